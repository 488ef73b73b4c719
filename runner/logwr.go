package runner

import (
	"github.com/leandro-lugaresi/hub"
)

// logwriter forwards everything written to it as hub messages.
type logwriter struct {
	hub    *hub.Hub
	name   string
	fields hub.Fields
}

func (lwr *logwriter) Write(p []byte) (n int, err error) {
	fields := hub.Fields{"output": string(p)}
	for k, v := range lwr.fields {
		fields[k] = v
	}
	lwr.hub.Publish(hub.Message{Name: lwr.name, Fields: fields})
	return len(p), nil
}
