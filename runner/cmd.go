package runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

type command struct {
	cmd  string
	args []string
	hub  *hub.Hub
}

// Download runs the binary with the url as last argument.
// Every stdout line that looks like an url is returned; stderr goes to the hub.
func (c *command) Download(ctx context.Context, url string) ([]string, error) {
	args := append(append([]string{}, c.args...), url)
	cmd := exec.CommandContext(ctx, c.cmd, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &logwriter{hub: c.hub, name: "runner.command.debug", fields: hub.Fields{"cmd": c.cmd}}
	if err := cmd.Run(); err != nil {
		c.hub.Publish(hub.Message{
			Name:   "runner.command.error",
			Body:   []byte("receive an error from command"),
			Fields: hub.Fields{"error": err, "output": stdout.String(), "url": url},
		})
		status := -1
		if exiterr, ok := err.(*exec.ExitError); ok {
			status = exiterr.ExitCode()
		}
		return nil, &Error{Err: errors.Wrapf(err, "%s failed", c.cmd), StatusCode: status, Output: stdout.Bytes()}
	}
	found := links(stdout.Bytes())
	if len(found) == 0 {
		return nil, &Error{Err: errors.Errorf("%s returned no links", c.cmd), Output: stdout.Bytes()}
	}
	return found, nil
}

func newCommand(c Config, h *hub.Hub) (*command, error) {
	if split := strings.Split(c.Options.Path, " "); len(split) > 1 {
		c.Options.Path = split[0]
		c.Options.Args = append(split[1:], c.Options.Args...)
	}
	path := c.Options.Path
	if strings.Contains(path, "/") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, errors.Errorf("The command %s didn't exist", path)
		}
	} else {
		found, err := exec.LookPath(path)
		if err != nil {
			return nil, errors.Errorf("The command %s didn't exist", path)
		}
		path = found
	}
	return &command{
		cmd:  path,
		args: c.Options.Args,
		hub:  h,
	}, nil
}
