package rabbit

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned when an operation needs a channel and the manager has none.
	ErrNotConnected = errors.New("rabbitmq: not connected")
	// ErrManagerClosed is returned by any operation after the ConnectionManager was closed.
	ErrManagerClosed = errors.New("rabbitmq: connection manager closed")
	// ErrRetryBudgetExhausted is the terminal error of ConnectWithBackoff.
	ErrRetryBudgetExhausted = errors.New("rabbitmq: retry budget exhausted")
	// ErrStopTimeout is returned when a consumer worker did not exit before the stop timeout.
	ErrStopTimeout = errors.New("rabbitmq: timeout waiting the consumer to stop")
	// ErrPublisherNotFound is returned when a lookup by name fails.
	ErrPublisherNotFound = errors.New("rabbitmq: publisher not found")
)

// ConnectionError describes a failure opening the broker connection or its channel.
type ConnectionError struct {
	Op       string
	Addr     string
	Attempts int
	Err      error
	// Exhausted is set when a bounded retry gave up.
	Exhausted bool
}

func (e *ConnectionError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("rabbitmq: %s %s gave up after %d attempts: %v", e.Op, e.Addr, e.Attempts, e.Err)
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq: %s %s failed after %d attempts: %v", e.Op, e.Addr, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s %s failed: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches ErrRetryBudgetExhausted when the retry gave up.
func (e *ConnectionError) Is(target error) bool {
	return e.Exhausted && target == ErrRetryBudgetExhausted
}

// TopologyError describes a failure declaring an exchange, a queue or a binding.
// Usually a configuration problem, like an exchange declared with different parameters.
type TopologyError struct {
	Kind string
	Name string
	Err  error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq: failed to declare %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports if err was caused by the broker connection.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) || errors.Is(err, ErrNotConnected)
}
