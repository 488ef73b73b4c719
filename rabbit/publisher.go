package rabbit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leandro-lugaresi/downly-bus/metrics"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

// Content types used when encoding the message body.
const (
	ContentTypeBinary = "application/octet-stream"
	ContentTypeText   = "text/plain"
	ContentTypeJSON   = "application/json"
)

// ErrorHandler is called when a fire-and-forget publish fails.
type ErrorHandler func(exchange, routingKey string, err error)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithErrorHandler registers a hook called for every failed publish.
func WithErrorHandler(fn ErrorHandler) PublisherOption {
	return func(p *Publisher) {
		p.onError = fn
	}
}

// WithPublisherMetrics counts published and failed messages.
func WithPublisherMetrics(c *metrics.Collector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = c
	}
}

// Publisher sends messages to one exchange over the shared connection.
type Publisher struct {
	manager *ConnectionManager
	config  PublisherConfig
	hub     *hub.Hub
	metrics *metrics.Collector
	onError ErrorHandler
	wg      sync.WaitGroup
	// declaredAt is the connection generation where the exchange was last declared.
	// Only accessed while holding the manager lock.
	declaredAt uint64
}

// NewPublisher waits for the connection and declares the exchange.
func NewPublisher(ctx context.Context, m *ConnectionManager, cfg PublisherConfig, h *hub.Hub, opts ...PublisherOption) (*Publisher, error) {
	if len(cfg.Exchange) == 0 {
		return nil, errors.New("rabbitmq: publisher without exchange")
	}
	if cfg.Type == "" {
		cfg.Type = amqp.ExchangeTopic
	}
	p := &Publisher{
		manager: m,
		config:  cfg,
		hub:     h,
	}
	for _, opt := range opts {
		opt(p)
	}
	err := m.Do(ctx, func(ch Channel) error {
		return p.declareLocked(ch)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Exchange returns the exchange name.
func (p *Publisher) Exchange() string {
	return p.config.Exchange
}

// RoutingKey resolves a logical name configured on routing_keys.
// Unknown names are returned unchanged.
func (p *Publisher) RoutingKey(name string) string {
	if key, ok := p.LookupRoutingKey(name); ok {
		return key
	}
	return name
}

// LookupRoutingKey resolves a logical name and reports if it's configured.
func (p *Publisher) LookupRoutingKey(name string) (string, bool) {
	key, ok := p.config.RoutingKeys[name]
	return key, ok
}

// Publish sends body in background and returns immediately.
// Failures never reach the caller: they are published on the hub,
// counted and passed to the ErrorHandler. A publish waiting for the broker
// gives up when the manager is closed.
func (p *Publisher) Publish(routingKey string, body interface{}) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.report(routingKey, p.PublishSync(p.manager.Context(), routingKey, body))
	}()
}

// PublishSync sends body and waits for the result.
func (p *Publisher) PublishSync(ctx context.Context, routingKey string, body interface{}) error {
	msg, err := encode(body)
	if err != nil {
		return err
	}
	if p.config.Durable {
		msg.DeliveryMode = uint8(Persistent)
	} else {
		msg.DeliveryMode = uint8(NonPersistent)
	}
	return p.manager.Do(ctx, func(ch Channel) error {
		if err := p.declareLocked(ch); err != nil {
			return err
		}
		return errors.Wrapf(
			ch.Publish(p.config.Exchange, routingKey, false, false, msg),
			"failed to publish on %q with routing key %q", p.config.Exchange, routingKey)
	})
}

// Wait blocks until every background publish has finished.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

// declareLocked declares the exchange once per connection generation.
func (p *Publisher) declareLocked(ch Channel) error {
	gen := p.manager.generation
	if p.declaredAt == gen {
		return nil
	}
	if err := declareExchange(ch, p.config.Exchange, p.config.Type, p.config.Durable); err != nil {
		return err
	}
	p.declaredAt = gen
	return nil
}

func (p *Publisher) report(routingKey string, err error) {
	p.metrics.Publish(p.config.Exchange, err)
	if err == nil {
		p.hub.Publish(hub.Message{
			Name:   "publisher.publish.debug",
			Body:   []byte("Message published"),
			Fields: hub.Fields{"exchange": p.config.Exchange, "routing-key": routingKey},
		})
		return
	}
	p.hub.Publish(hub.Message{
		Name:   "publisher.publish.error",
		Body:   []byte("Failed to publish the message"),
		Fields: hub.Fields{"exchange": p.config.Exchange, "routing-key": routingKey, "error": err},
	})
	if p.onError != nil {
		p.onError(p.config.Exchange, routingKey, err)
	}
}

func encode(body interface{}) (amqp.Publishing, error) {
	msg := amqp.Publishing{
		MessageId: uuid.New().String(),
		Timestamp: time.Now(),
	}
	switch b := body.(type) {
	case []byte:
		msg.ContentType = ContentTypeBinary
		msg.Body = b
	case string:
		msg.ContentType = ContentTypeText
		msg.Body = []byte(b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return msg, errors.Wrap(err, "failed to encode the message body")
		}
		msg.ContentType = ContentTypeJSON
		msg.Body = data
	}
	return msg, nil
}
