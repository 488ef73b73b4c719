package runner

import (
	"context"
	"strings"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

// Engine names accepted by New.
const (
	TypeHTTP    = "http"
	TypeCommand = "command"
)

type (
	// Engine resolves a public media url into one or more direct links.
	Engine interface {
		Download(ctx context.Context, url string) ([]string, error)
	}

	// Options is a composition of all options used internally by engines.
	// options not needed by one engine will be ignored.
	Options struct {
		// Command options
		Path string   `mapstructure:"path" yaml:"path"`
		Args []string `mapstructure:"args" yaml:"args"`
		// HTTP options
		URL     string            `mapstructure:"url" yaml:"url"`
		Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	}

	// Config is an composition of options and configurations used by the engines.
	Config struct {
		Type    string        `mapstructure:"type" yaml:"type"`
		Options Options       `mapstructure:"options" yaml:"options"`
		Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" default:"2m"`
	}

	// Error describes a failure talking to the download backend.
	Error struct {
		Err        error
		StatusCode int
		Output     []byte
	}
)

// New create and return an Engine based on the config type. if the type didn't exist an error is returned.
func New(c Config, h *hub.Hub) (Engine, error) {
	switch c.Type {
	case TypeCommand:
		return newCommand(c, h)
	case TypeHTTP:
		return newHTTP(c, h)
	}
	return nil, errors.Errorf(
		"Invalid Engine type (\"%s\") expecting one of (%s)",
		c.Type,
		strings.Join([]string{TypeCommand, TypeHTTP}, ", "))
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// links keeps only the lines that look like absolute http(s) urls.
func links(output []byte) []string {
	var found []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			found = append(found, line)
		}
	}
	return found
}
