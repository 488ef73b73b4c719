package subscriber

import (
	"io"
	"strings"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Topic matches every event published by the bus. Names always have three segments.
const Topic = "*.*.*"

// Logger is wrapper around the zerolog.Logger with
// the ability to handle messages from hub.Subscription
type Logger struct {
	zerolog.Logger
	sub  hub.Subscription
	done chan struct{}
}

// Do will start consuming messages from the subscriber and stop when the Subscription is closed
func (l *Logger) Do() {
	for msg := range l.sub.Receiver {
		event := l.WithLevel(getLevel(msg.Name)).Str("event", msg.Name)
		for k, v := range msg.Fields {
			switch val := v.(type) {
			case string:
				event.Str(k, val)
			case []string:
				event.Strs(k, val)
			case []byte:
				event.Bytes(k, val)
			case error:
				event.AnErr(k, val)
			case bool:
				event.Bool(k, val)
			case int:
				event.Int(k, val)
			case int32:
				event.Int32(k, val)
			case int64:
				event.Int64(k, val)
			case uint64:
				event.Uint64(k, val)
			case float64:
				event.Float64(k, val)
			case time.Time:
				event.Time(k, val)
			case time.Duration:
				event.Dur(k, val)
			case nil:
			default:
				event.Interface(k, val)
			}
		}
		event.Msg(string(msg.Body))
	}
	close(l.done)
}

// Stop waits for the pending messages to be written.
// The subscription ends when the hub is closed, so close the hub first.
func (l *Logger) Stop() {
	<-l.done
}

func getLevel(topic string) zerolog.Level {
	switch {
	case strings.HasSuffix(topic, ".info"):
		return zerolog.InfoLevel
	case strings.HasSuffix(topic, ".error"):
		return zerolog.ErrorLevel
	case strings.HasSuffix(topic, ".warning"):
		return zerolog.WarnLevel
	}
	return zerolog.DebugLevel
}

// NewLogger create an Logger subscribed to every bus event.
// level is one of debug, info, warn or error; development switches to the console writer.
func NewLogger(w io.Writer, h *hub.Hub, level string, development bool) (*Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zerolog.ParseLevel(level); err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", level)
		}
	}
	if development {
		w = zerolog.ConsoleWriter{Out: w}
		if level == "" {
			lvl = zerolog.DebugLevel
		}
	}

	return &Logger{
		Logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger(),
		sub:    h.Subscribe(1000, Topic),
		done:   make(chan struct{}),
	}, nil
}
