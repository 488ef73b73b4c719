package rabbit

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

// Delivery is a message received by a Consumer. The callback decides the
// acknowledgment with Ack or Nack; only the first call reaches the broker.
type Delivery struct {
	// Envelope
	Exchange    string
	RoutingKey  string
	DeliveryTag uint64
	Redelivered bool

	// Properties
	ContentType     string
	ContentEncoding string
	CorrelationId   string
	MessageId       string
	Timestamp       time.Time
	Headers         amqp.Table

	Body []byte

	manager *ConnectionManager
	acker   amqp.Acknowledger
	settled int32
}

// NewDelivery wraps a raw amqp delivery outside of a Consumer.
// Acknowledgments go straight to its Acknowledger.
func NewDelivery(d amqp.Delivery) *Delivery {
	return newDelivery(nil, d)
}

func newDelivery(m *ConnectionManager, d amqp.Delivery) *Delivery {
	return &Delivery{
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		DeliveryTag:     d.DeliveryTag,
		Redelivered:     d.Redelivered,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		CorrelationId:   d.CorrelationId,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Headers:         d.Headers,
		Body:            d.Body,
		manager:         m,
		acker:           d.Acknowledger,
	}
}

// Ack tells the broker the message was processed.
func (d *Delivery) Ack() error {
	if !d.settle() {
		return nil
	}
	return d.withLock(func() error {
		return errors.Wrap(d.acker.Ack(d.DeliveryTag, false), "failed to ack the message")
	})
}

// Nack rejects the message. With requeue false the broker drops it
// (or dead-letters it when the queue has a dead letter exchange).
func (d *Delivery) Nack(requeue bool) error {
	if !d.settle() {
		return nil
	}
	return d.withLock(func() error {
		return errors.Wrap(d.acker.Nack(d.DeliveryTag, false, requeue), "failed to nack the message")
	})
}

// Acknowledged reports if Ack or Nack was already called.
func (d *Delivery) Acknowledged() bool {
	return atomic.LoadInt32(&d.settled) == 1
}

func (d *Delivery) settle() bool {
	return atomic.CompareAndSwapInt32(&d.settled, 0, 1)
}

// withLock serialises the acknowledgment with the rest of the broker I/O.
func (d *Delivery) withLock(fn func() error) error {
	if d.acker == nil {
		return errors.New("rabbitmq: delivery without acknowledger")
	}
	if d.manager == nil {
		return fn()
	}
	d.manager.mu.Lock()
	defer d.manager.mu.Unlock()
	return fn()
}
