package rabbit

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"
)

// Connection is the part of *amqp.Connection used by this package.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// Channel is the part of *amqp.Channel used by this package.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// Dialer opens a new broker connection.
type Dialer func(cfg ConnectionConfig) (Connection, error)

// DialAMQP is the default Dialer, backed by streadway/amqp.
func DialAMQP(cfg ConnectionConfig) (Connection, error) {
	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Vhost:     cfg.VirtualHost,
		Heartbeat: cfg.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			conn, err := net.DialTimeout(network, addr, cfg.DialTimeout)
			if err != nil {
				return nil, err
			}
			if cfg.DialTimeout <= 0 {
				return conn, nil
			}
			// Same deadline rule used by amqp.DefaultDial: the handshake must finish in time.
			if err := conn.SetDeadline(time.Now().Add(cfg.DialTimeout)); err != nil {
				return nil, err
			}
			return conn, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return newAMQPConnection(conn), nil
}

type amqpConnection struct {
	conn   *amqp.Connection
	closed int32
}

func newAMQPConnection(conn *amqp.Connection) *amqpConnection {
	c := &amqpConnection{conn: conn}
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for range notify {
		}
		atomic.StoreInt32(&c.closed, 1)
	}()
	return c
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return newAMQPChannel(ch), nil
}

func (c *amqpConnection) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

type amqpChannel struct {
	*amqp.Channel
	closed int32
}

func newAMQPChannel(ch *amqp.Channel) *amqpChannel {
	c := &amqpChannel{Channel: ch}
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for range notify {
		}
		atomic.StoreInt32(&c.closed, 1)
	}()
	return c
}

func (c *amqpChannel) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return c.Channel.Close()
}

func (c *amqpChannel) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}
