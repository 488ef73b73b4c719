package rabbit

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/leandro-lugaresi/downly-bus/metrics"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
	"gopkg.in/tomb.v2"
)

// State of the consumer worker.
type State int32

// Consumer states, a worker cycles between StatePolling and StateProcessing.
const (
	StateStopped State = iota
	StateSettingUp
	StatePolling
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateSettingUp:
		return "setting_up"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	default:
		return "stopped"
	}
}

// Callback handles one message. It should Ack or Nack the delivery,
// a returned error (or a panic) nacks without requeue when nothing was done.
type Callback func(ctx context.Context, d *Delivery) error

var errDeliveriesClosed = errors.New("rabbitmq: delivery stream closed")

// Consumer binds a queue to one callback. Each consumer has its own worker goroutine.
type Consumer struct {
	name        string
	factoryName string
	config      ConsumerConfig
	callback    Callback
	manager     *ConnectionManager
	hub         *hub.Hub
	metrics     *metrics.Collector

	mu    sync.Mutex
	t     *tomb.Tomb
	state int32
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerMetrics counts the processed messages by outcome.
func WithConsumerMetrics(c *metrics.Collector) ConsumerOption {
	return func(cons *Consumer) {
		cons.metrics = c
	}
}

// WithFactoryName sets the name returned by FactoryName.
func WithFactoryName(name string) ConsumerOption {
	return func(cons *Consumer) {
		cons.factoryName = name
	}
}

// NewConsumer creates a stopped consumer.
func NewConsumer(name string, cfg ConsumerConfig, cb Callback, m *ConnectionManager, h *hub.Hub, opts ...ConsumerOption) *Consumer {
	if cfg.Mode == "" {
		cfg.Mode = ModePush
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.SetupRetryDelay <= 0 {
		cfg.SetupRetryDelay = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	c := &Consumer{
		name:        name,
		factoryName: "rabbitmq",
		config:      cfg,
		callback:    cb,
		manager:     m,
		hub:         h,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start spawns the worker. Calling it on a running consumer does nothing.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t != nil && c.t.Alive() {
		return nil
	}
	// a dead tomb can't run goroutines again
	t := &tomb.Tomb{}
	c.t = t
	t.Go(func() error {
		return c.run(t)
	})
	c.hub.Publish(hub.Message{
		Name:   "consumer.start.info",
		Body:   []byte("Consumer started"),
		Fields: hub.Fields{"consumer": c.name, "queue": c.config.Queue, "mode": c.config.Mode},
	})
	return nil
}

// Stop signals the worker and waits up to StopTimeout for it to exit.
// A message being processed is allowed to finish.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Kill(nil)
	timer := time.NewTimer(c.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-t.Dead():
		c.hub.Publish(hub.Message{
			Name:   "consumer.stop.info",
			Body:   []byte("Consumer stopped"),
			Fields: hub.Fields{"consumer": c.name},
		})
		return nil
	case <-timer.C:
		c.hub.Publish(hub.Message{
			Name:   "consumer.stop.warning",
			Body:   []byte("Consumer did not stop in time, abandoning the worker"),
			Fields: hub.Fields{"consumer": c.name, "timeout": c.config.StopTimeout},
		})
		return errors.Wrapf(ErrStopTimeout, "consumer %q", c.name)
	}
}

// Alive returns true while the worker goroutine is running.
func (c *Consumer) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t != nil && c.t.Alive()
}

// Name return the consumer name
func (c *Consumer) Name() string {
	return c.name
}

// FactoryName is the name of the factory responsible for this consumer.
func (c *Consumer) FactoryName() string {
	return c.factoryName
}

// State returns the current worker state.
func (c *Consumer) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Consumer) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Consumer) run(t *tomb.Tomb) error {
	defer c.setState(StateStopped)
	ctx := t.Context(nil)
	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}
		c.setState(StateSettingUp)
		err := c.setup(ctx)
		if err == nil {
			if c.config.Mode == ModePoll {
				err = c.pollOnce(ctx, t)
			} else {
				err = c.consume(ctx, t)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrManagerClosed) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		c.hub.Publish(hub.Message{
			Name:   "consumer.setup.error",
			Body:   []byte("Consumer session failed, retrying"),
			Fields: hub.Fields{"consumer": c.name, "queue": c.config.Queue, "retry-in": c.config.SetupRetryDelay, "error": err},
		})
		if !sleep(t, c.config.SetupRetryDelay) {
			return nil
		}
	}
}

// setup declares the queue, the exchange and the binding.
func (c *Consumer) setup(ctx context.Context) error {
	return c.manager.Do(ctx, func(ch Channel) error {
		return declareConsumerTopology(ch, c.config)
	})
}

// pollOnce fetches at most one message with basic.get.
func (c *Consumer) pollOnce(ctx context.Context, t *tomb.Tomb) error {
	c.setState(StatePolling)
	var (
		msg amqp.Delivery
		ok  bool
	)
	err := c.manager.Do(ctx, func(ch Channel) error {
		var err error
		msg, ok, err = ch.Get(c.config.Queue, false)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to get a message from %q", c.config.Queue)
	}
	if !ok {
		sleep(t, c.config.PollInterval)
		return nil
	}
	c.process(msg)
	return nil
}

// consume subscribes to the queue and handles deliveries one at a time until
// the consumer is stopped or the delivery stream is closed by a reconnection.
func (c *Consumer) consume(ctx context.Context, t *tomb.Tomb) error {
	tag := fmt.Sprintf("downly-%s-%s", c.name, uuid.New().String())
	var deliveries <-chan amqp.Delivery
	err := c.manager.Do(ctx, func(ch Channel) error {
		if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
			return errors.Wrap(err, "failed to set QoS")
		}
		var err error
		deliveries, err = ch.Consume(c.config.Queue, tag, false, false, false, false, nil)
		return errors.Wrapf(err, "failed to consume from %q", c.config.Queue)
	})
	if err != nil {
		return err
	}
	for {
		c.setState(StatePolling)
		select {
		case <-t.Dying():
			c.cancel(tag, deliveries)
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.process(msg)
		}
	}
}

// cancel stops the subscription and requeues what the broker already sent.
func (c *Consumer) cancel(tag string, deliveries <-chan amqp.Delivery) {
	err := c.manager.tryDo(func(ch Channel) error {
		return ch.Cancel(tag, false)
	})
	if err != nil {
		// the channel is gone, unacked messages return to the queue with it
		return
	}
	timeout := time.NewTimer(c.config.StopTimeout)
	defer timeout.Stop()
	for {
		select {
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			if err := newDelivery(c.manager, msg).Nack(true); err != nil {
				c.hub.Publish(hub.Message{
					Name:   "consumer.requeue.error",
					Body:   []byte("Failed to requeue a buffered message"),
					Fields: hub.Fields{"consumer": c.name, "error": err},
				})
			}
		case <-timeout.C:
			return
		}
	}
}

func (c *Consumer) process(msg amqp.Delivery) {
	c.setState(StateProcessing)
	d := newDelivery(c.manager, msg)

	ctx := context.Background()
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	panicked, err := c.invoke(ctx, d)
	if err == nil {
		outcome := metrics.OutcomeAck
		if !d.Acknowledged() {
			err = d.Ack()
		}
		if err != nil {
			c.hub.Publish(hub.Message{
				Name:   "consumer.ack.error",
				Body:   []byte("Error during the acknowledgement phase"),
				Fields: hub.Fields{"consumer": c.name, "error": err},
			})
			outcome = metrics.OutcomeFailed
		}
		c.metrics.Consume(c.name, outcome)
		return
	}

	fields := hub.Fields{"consumer": c.name, "queue": c.config.Queue, "error": err}
	for k, v := range d.Metadata() {
		fields[k] = v
	}
	c.hub.Publish(hub.Message{
		Name:   "consumer.callback.error",
		Body:   []byte("Callback failed, the message will be dropped"),
		Fields: fields,
	})
	outcome := metrics.OutcomeError
	if panicked {
		outcome = metrics.OutcomePanic
	}
	if !d.Acknowledged() {
		if nerr := d.Nack(false); nerr != nil {
			c.hub.Publish(hub.Message{
				Name:   "consumer.ack.error",
				Body:   []byte("Error during the acknowledgement phase"),
				Fields: hub.Fields{"consumer": c.name, "error": nerr},
			})
			outcome = metrics.OutcomeFailed
		}
	}
	c.metrics.Consume(c.name, outcome)
}

func (c *Consumer) invoke(ctx context.Context, d *Delivery) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("callback panic: %v\n%s", r, debug.Stack())
			panicked = true
		}
	}()
	return false, c.callback(ctx, d)
}

// sleep waits d or until the tomb is dying, returning false on the latter.
func sleep(t *tomb.Tomb, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.Dying():
		return false
	}
}
