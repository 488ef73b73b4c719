package bootstrap

import (
	"sync"

	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/streadway/amqp"
)

// memBroker routes by exact routing key, which is all the default topology needs.
type memBroker struct {
	mu       sync.Mutex
	bindings map[string][]string
	queues   map[string][]amqp.Delivery
	subs     map[string]chan amqp.Delivery
	tags     map[string]string
	tag      uint64
	acks     int
	nacks    int
}

func newMemBroker() *memBroker {
	return &memBroker{
		bindings: map[string][]string{},
		queues:   map[string][]amqp.Delivery{},
		subs:     map[string]chan amqp.Delivery{},
		tags:     map[string]string{},
	}
}

func (b *memBroker) dial(cfg rabbit.ConnectionConfig) (rabbit.Connection, error) {
	return &memConn{b: b}, nil
}

func (b *memBroker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks++
	return nil
}

func (b *memBroker) Nack(tag uint64, multiple, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacks++
	return nil
}

func (b *memBroker) Reject(tag uint64, requeue bool) error { return b.Nack(tag, false, requeue) }

func (b *memBroker) counts() (acks, nacks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks, b.nacks
}

type memConn struct {
	b      *memBroker
	closed bool
}

func (c *memConn) Channel() (rabbit.Channel, error) { return &memChannel{b: c.b}, nil }
func (c *memConn) Close() error                     { c.closed = true; return nil }
func (c *memConn) IsClosed() bool                   { return c.closed }

type memChannel struct {
	b      *memBroker
	closed bool
}

func (c *memChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *memChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if _, ok := c.b.queues[name]; !ok {
		c.b.queues[name] = nil
	}
	return amqp.Queue{Name: name}, nil
}

func (c *memChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	k := exchange + "|" + key
	for _, q := range c.b.bindings[k] {
		if q == name {
			return nil
		}
	}
	c.b.bindings[k] = append(c.b.bindings[k], name)
	return nil
}

func (c *memChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for _, q := range c.b.bindings[exchange+"|"+key] {
		c.b.tag++
		d := amqp.Delivery{
			Acknowledger: c.b,
			DeliveryTag:  c.b.tag,
			Exchange:     exchange,
			RoutingKey:   key,
			ContentType:  msg.ContentType,
			MessageId:    msg.MessageId,
			Body:         msg.Body,
		}
		if sub, ok := c.b.subs[q]; ok {
			sub <- d
			continue
		}
		c.b.queues[q] = append(c.b.queues[q], d)
	}
	return nil
}

func (c *memChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	msgs := c.b.queues[queue]
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	c.b.queues[queue] = msgs[1:]
	return msgs[0], true, nil
}

func (c *memChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (c *memChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	ch := make(chan amqp.Delivery, 100)
	for _, d := range c.b.queues[queue] {
		ch <- d
	}
	c.b.queues[queue] = nil
	c.b.subs[queue] = ch
	c.b.tags[consumer] = queue
	return ch, nil
}

func (c *memChannel) Cancel(consumer string, noWait bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	q, ok := c.b.tags[consumer]
	if !ok {
		return nil
	}
	close(c.b.subs[q])
	delete(c.b.subs, q)
	delete(c.b.tags, consumer)
	return nil
}

func (c *memChannel) Close() error   { c.closed = true; return nil }
func (c *memChannel) IsClosed() bool { return c.closed }
