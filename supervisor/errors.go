package supervisor

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed is returned by any operation after Close.
var ErrClosed = errors.New("supervisor: manager closed")

// MultiError is returned by batch operations when there are errors with
// particular consumers. Nil entries are ignored.
type MultiError []error

func (m MultiError) Error() string {
	s, n := "", 0
	var lastErr error
	for _, e := range m {
		if e != nil {
			lastErr = e
			s = s + fmt.Sprintf("\n\t - %s", e.Error())
			n++
		}
	}
	if n == 1 {
		return lastErr.Error()
	}
	return "Multi errors: " + s
}

// ErrorOrNil returns nil when no entry holds an error.
func (m MultiError) ErrorOrNil() error {
	for _, e := range m {
		if e != nil {
			return m
		}
	}
	return nil
}
