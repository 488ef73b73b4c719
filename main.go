package main

import "github.com/leandro-lugaresi/downly-bus/cmd"

func main() {
	cmd.Execute()
}
