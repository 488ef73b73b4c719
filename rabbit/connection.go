package rabbit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/leandro-lugaresi/downly-bus/metrics"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
	"gopkg.in/tomb.v2"
)

const closeTimeout = 2 * time.Second

// ConnectionManager owns the single broker connection and channel shared by
// every publisher and consumer of the process. A background goroutine checks
// the connection every DaemonCheckInterval and repairs it when needed.
type ConnectionManager struct {
	config  ConnectionConfig
	dial    Dialer
	hub     *hub.Hub
	metrics *metrics.Collector

	mu         sync.Mutex
	conn       Connection
	channel    Channel
	generation uint64
	// reconnecting is true while one goroutine owns the retry sequence,
	// the others wait for reconnected to be closed.
	reconnecting bool
	reconnected  chan struct{}
	closed       bool

	// ctx is cancelled by Close, it bounds the work started on behalf of the manager.
	ctx       context.Context
	cancel    context.CancelFunc
	t         tomb.Tomb
	closeOnce sync.Once
	closeErr  error
}

// Option configures a ConnectionManager.
type Option func(*ConnectionManager)

// WithDialer replaces the function used to open connections.
func WithDialer(d Dialer) Option {
	return func(m *ConnectionManager) {
		m.dial = d
	}
}

// WithMetrics registers the collector used to count connection attempts.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *ConnectionManager) {
		m.metrics = c
	}
}

// NewConnectionManager creates the manager and starts the repair daemon.
// No connection is opened here, call Connect, EnsureConnection or WaitForConnection.
func NewConnectionManager(cfg ConnectionConfig, h *hub.Hub, opts ...Option) *ConnectionManager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.DaemonCheckInterval <= 0 {
		cfg.DaemonCheckInterval = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectionManager{
		config: cfg,
		dial:   DialAMQP,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.t.Go(m.repair)
	return m
}

// Config returns the connection parameters.
func (m *ConnectionManager) Config() ConnectionConfig {
	return m.config
}

// Context is done once Close is called.
func (m *ConnectionManager) Context() context.Context {
	return m.ctx
}

// Connect opens the connection and its channel. It's a no-op when both are open.
func (m *ConnectionManager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked()
}

func (m *ConnectionManager) connectLocked() error {
	select {
	case <-m.t.Dying():
		return ErrManagerClosed
	default:
	}
	if m.closed {
		return ErrManagerClosed
	}
	if m.conn != nil && !m.conn.IsClosed() {
		if m.channel != nil && !m.channel.IsClosed() {
			return nil
		}
		ch, err := m.conn.Channel()
		if err == nil {
			m.channel = ch
			m.generation++
			m.hub.Publish(hub.Message{
				Name:   "connection.channel.info",
				Body:   []byte("Channel reopened on the existing connection"),
				Fields: hub.Fields{"address": m.config.Address(), "generation": int64(m.generation)},
			})
			return nil
		}
		m.hub.Publish(hub.Message{
			Name:   "connection.channel.error",
			Body:   []byte("Failed to reopen the channel, dialing again"),
			Fields: hub.Fields{"address": m.config.Address(), "error": err},
		})
	}
	m.resetLocked()

	conn, err := m.dial(m.config)
	m.metrics.ConnectAttempt(err)
	if err != nil {
		m.hub.Publish(hub.Message{
			Name:   "connection.dial.error",
			Body:   []byte("Failed to connect to the broker"),
			Fields: hub.Fields{"address": m.config.Address(), "error": err},
		})
		return &ConnectionError{Op: "dial", Addr: m.config.Address(), Attempts: 1, Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		m.hub.Publish(hub.Message{
			Name:   "connection.channel.error",
			Body:   []byte("Failed to open the channel"),
			Fields: hub.Fields{"address": m.config.Address(), "error": err},
		})
		return &ConnectionError{Op: "channel", Addr: m.config.Address(), Attempts: 1, Err: err}
	}
	m.conn = conn
	m.channel = ch
	m.generation++
	m.metrics.SetConnected(true)
	m.hub.Publish(hub.Message{
		Name:   "connection.connect.info",
		Body:   []byte("Connected to the broker"),
		Fields: hub.Fields{"address": m.config.Address(), "generation": int64(m.generation)},
	})
	return nil
}

// resetLocked drops both handles, closing whatever is still open.
func (m *ConnectionManager) resetLocked() {
	if m.channel != nil {
		if !m.channel.IsClosed() {
			_ = m.channel.Close()
		}
		m.channel = nil
	}
	if m.conn != nil {
		if !m.conn.IsClosed() {
			_ = m.conn.Close()
		}
		m.conn = nil
		m.metrics.SetConnected(false)
	}
}

// Ping reports if the connection and the channel are open.
// The client library detects dead peers through heartbeats and close
// notifications, so no network call is made here.
func (m *ConnectionManager) Ping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked()
}

func (m *ConnectionManager) healthyLocked() bool {
	if m.conn == nil || m.conn.IsClosed() {
		if m.conn != nil || m.channel != nil {
			m.resetLocked()
		}
		return false
	}
	return m.channel != nil && !m.channel.IsClosed()
}

// EnsureConnection returns immediately when the connection is healthy,
// otherwise it blocks until it's repaired, ctx is done or the manager is closed.
// Only one goroutine at a time runs the reconnection sequence, the others wait for it.
func (m *ConnectionManager) EnsureConnection(ctx context.Context) error {
	for {
		if m.Ping() {
			return nil
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrManagerClosed
		}
		if m.reconnecting {
			wait := m.reconnected
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-m.t.Dying():
				return ErrManagerClosed
			}
		}
		m.reconnecting = true
		m.reconnected = make(chan struct{})
		m.mu.Unlock()

		err := m.retry(ctx)

		m.mu.Lock()
		m.reconnecting = false
		close(m.reconnected)
		m.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// retry calls Connect until it succeeds, waiting RetryDelay between attempts.
func (m *ConnectionManager) retry(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := m.Connect()
		if err == nil {
			if attempt > 1 {
				m.hub.Publish(hub.Message{
					Name:   "connection.reconnect.info",
					Body:   []byte("Reconnected to the broker"),
					Fields: hub.Fields{"address": m.config.Address(), "attempts": attempt},
				})
			}
			return nil
		}
		if errors.Is(err, ErrManagerClosed) {
			return err
		}
		m.hub.Publish(hub.Message{
			Name: "connection.retry.warning",
			Body: []byte("Retrying the broker connection"),
			Fields: hub.Fields{
				"address":  m.config.Address(),
				"attempt":  attempt,
				"retry-in": m.config.RetryDelay,
				"error":    err,
			},
		})
		timer := time.NewTimer(m.config.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.t.Dying():
			timer.Stop()
			return ErrManagerClosed
		}
	}
}

// ConnectWithBackoff is the bounded, request scoped alternative to EnsureConnection.
// It tries at most maxAttempts times (config MaxAttempts when <= 0), sleeping
// min(base*2^attempt, max) plus up to 30% of jitter between attempts.
func (m *ConnectionManager) ConnectWithBackoff(ctx context.Context, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = m.config.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := newJitterBackOff(ctx, m.t.Dying(), m.config.BackoffBase, m.config.BackoffMax)
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return m.Connect()
	}, backoff.WithMaxRetries(b, uint64(maxAttempts-1)), func(err error, next time.Duration) {
		m.hub.Publish(hub.Message{
			Name: "connection.backoff.warning",
			Body: []byte("Connection attempt failed, backing off"),
			Fields: hub.Fields{
				"address":  m.config.Address(),
				"attempt":  attempts,
				"retry-in": next,
				"error":    err,
			},
		})
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, ErrManagerClosed) {
		return err
	}
	cause := err
	if connErr, ok := err.(*ConnectionError); ok {
		cause = connErr.Err
	}
	return &ConnectionError{Op: "connect", Addr: m.config.Address(), Attempts: attempts, Err: cause, Exhausted: true}
}

// WaitForConnection blocks until the broker is reachable. Used at startup
// before enabling the registries.
func (m *ConnectionManager) WaitForConnection(ctx context.Context) error {
	for !m.Ping() {
		m.hub.Publish(hub.Message{
			Name:   "connection.wait.info",
			Body:   []byte("Waiting for the broker connection"),
			Fields: hub.Fields{"address": m.config.Address()},
		})
		if err := m.EnsureConnection(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Do runs fn with the shared channel while holding the manager lock,
// serialising all broker I/O of the process.
func (m *ConnectionManager) Do(ctx context.Context, fn func(Channel) error) error {
	if err := m.EnsureConnection(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthyLocked() {
		return ErrNotConnected
	}
	return fn(m.channel)
}

// tryDo is like Do but fails with ErrNotConnected instead of waiting for a reconnection.
func (m *ConnectionManager) tryDo(fn func(Channel) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthyLocked() {
		return ErrNotConnected
	}
	return fn(m.channel)
}

// Generation is incremented every time a new channel is opened.
// Publishers use it to know when the topology must be declared again.
func (m *ConnectionManager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *ConnectionManager) repair() error {
	ticker := time.NewTicker(m.config.DaemonCheckInterval)
	defer ticker.Stop()
	ctx := m.t.Context(nil)
	for {
		select {
		case <-m.t.Dying():
			return nil
		case <-ticker.C:
			if m.Ping() {
				m.hub.Publish(hub.Message{
					Name:   "connection.health.debug",
					Body:   []byte("Broker connection is healthy"),
					Fields: hub.Fields{"address": m.config.Address()},
				})
				continue
			}
			m.hub.Publish(hub.Message{
				Name:   "connection.repair.info",
				Body:   []byte("Repairing the broker connection"),
				Fields: hub.Fields{"address": m.config.Address()},
			})
			err := m.EnsureConnection(ctx)
			if err != nil && err != ErrManagerClosed && ctx.Err() == nil {
				m.hub.Publish(hub.Message{
					Name:   "connection.repair.error",
					Body:   []byte("Repair attempt finished without a connection"),
					Fields: hub.Fields{"address": m.config.Address(), "error": err},
				})
			}
		}
	}
}

// Close stops the repair daemon, wakes every waiter and closes the channel
// and the connection. Calling it more than once is safe.
func (m *ConnectionManager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.t.Kill(nil)
		select {
		case <-m.t.Dead():
		case <-time.After(closeTimeout):
			m.hub.Publish(hub.Message{
				Name:   "connection.close.warning",
				Body:   []byte("Repair daemon did not stop in time"),
				Fields: hub.Fields{"timeout": closeTimeout},
			})
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		var errs []error
		if m.channel != nil && !m.channel.IsClosed() {
			if err := m.channel.Close(); err != nil {
				errs = append(errs, errors.Wrap(err, "failed to close the channel"))
			}
		}
		if m.conn != nil && !m.conn.IsClosed() {
			if err := m.conn.Close(); err != nil {
				errs = append(errs, errors.Wrap(err, "failed to close the connection"))
			}
		}
		if m.conn != nil {
			m.metrics.SetConnected(false)
		}
		m.channel = nil
		m.conn = nil
		if len(errs) > 0 {
			m.closeErr = errs[0]
		}
		m.hub.Publish(hub.Message{
			Name:   "connection.close.info",
			Body:   []byte("Broker connection closed"),
			Fields: hub.Fields{"address": m.config.Address()},
		})
	})
	return m.closeErr
}

// jitterBackOff implements backoff.BackOff with an exponential delay plus
// up to 30% of random jitter. It stops as soon as ctx or stop are done.
type jitterBackOff struct {
	ctx     context.Context
	stop    <-chan struct{}
	base    time.Duration
	max     time.Duration
	attempt int
}

func newJitterBackOff(ctx context.Context, stop <-chan struct{}, base, max time.Duration) *jitterBackOff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &jitterBackOff{ctx: ctx, stop: stop, base: base, max: max}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	select {
	case <-b.ctx.Done():
		return backoff.Stop
	case <-b.stop:
		return backoff.Stop
	default:
	}
	d := b.delay(b.attempt)
	b.attempt++
	return d + time.Duration(rand.Float64()*0.3*float64(d))
}

func (b *jitterBackOff) delay(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}

func (b *jitterBackOff) Reset() {
	b.attempt = 0
}
