package rabbit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/streadway/amqp"
)

type nackRecord struct {
	tag     uint64
	requeue bool
}

type binding struct {
	queue, key, exchange string
}

// fakeBroker is an in memory broker recording every call made through the Channel interface.
type fakeBroker struct {
	mu sync.Mutex

	failDials   int
	dialErr     error
	dialDelay   time.Duration
	dials       int32
	dialing     int32
	maxDialing  int32
	publishErr  error
	consumeErr  error
	conns       []*fakeConnection
	channels    []*fakeChannel
	exchanges   map[string]string
	exDeclares  int
	queues      map[string][]amqp.Delivery
	qDeclares   int
	bindings    map[binding]bool
	bindCalls   int
	published   []amqp.Publishing
	acks        []uint64
	nacks       []nackRecord
	nextTag     uint64
	subscribers map[string]*fakeSubscriber
	qos         int
	cancels     []string
}

type fakeSubscriber struct {
	queue string
	ch    chan amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges:   map[string]string{},
		queues:      map[string][]amqp.Delivery{},
		bindings:    map[binding]bool{},
		subscribers: map[string]*fakeSubscriber{},
	}
}

func (b *fakeBroker) dial(cfg ConnectionConfig) (Connection, error) {
	atomic.AddInt32(&b.dials, 1)
	n := atomic.AddInt32(&b.dialing, 1)
	defer atomic.AddInt32(&b.dialing, -1)
	for {
		max := atomic.LoadInt32(&b.maxDialing)
		if n <= max || atomic.CompareAndSwapInt32(&b.maxDialing, max, n) {
			break
		}
	}
	b.mu.Lock()
	delay := b.dialDelay
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDials > 0 {
		b.failDials--
		return nil, errors.New("dial tcp " + cfg.Address() + ": connection refused")
	}
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConnection{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) setFailDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

func (b *fakeBroker) dialCount() int {
	return int(atomic.LoadInt32(&b.dials))
}

// drop emulates the broker closing every connection.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		atomic.StoreInt32(&c.closed, 1)
	}
	for _, ch := range b.channels {
		atomic.StoreInt32(&ch.closed, 1)
	}
	for tag, s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, tag)
	}
}

// deliverLocked routes msg to a subscriber of the queue or stores it.
func (b *fakeBroker) deliverLocked(queue string, msg amqp.Delivery) {
	for _, s := range b.subscribers {
		if s.queue == queue {
			select {
			case s.ch <- msg:
				return
			default:
			}
		}
	}
	b.queues[queue] = append(b.queues[queue], msg)
}

func (b *fakeBroker) enqueue(queue string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTag++
	b.deliverLocked(queue, amqp.Delivery{
		Acknowledger: &fakeAcker{broker: b, queue: queue},
		DeliveryTag:  b.nextTag,
		Body:         body,
		RoutingKey:   queue,
		ContentType:  ContentTypeJSON,
	})
}

func (b *fakeBroker) snapshot() (acks []uint64, nacks []nackRecord, published []amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acks = append(acks, b.acks...)
	nacks = append(nacks, b.nacks...)
	published = append(published, b.published...)
	return
}

func (b *fakeBroker) pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

type fakeConnection struct {
	broker *fakeBroker
	closed int32
}

func (c *fakeConnection) Channel() (Channel, error) {
	if c.IsClosed() {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker, conn: c}
	c.broker.mu.Lock()
	c.broker.channels = append(c.broker.channels, ch)
	c.broker.mu.Unlock()
	return ch, nil
}

func (c *fakeConnection) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConnection
	closed int32
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exDeclares++
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '" + name + "'"}
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.qDeclares++
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = nil
	}
	return amqp.Queue{Name: name, Messages: len(b.queues[name])}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindCalls++
	b.bindings[binding{name, key, exchange}] = true
	return nil
}

func (ch *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, msg)
	for bind := range b.bindings {
		if bind.exchange == exchange && bind.key == key {
			b.nextTag++
			b.deliverLocked(bind.queue, amqp.Delivery{
				Acknowledger: &fakeAcker{broker: b, queue: bind.queue},
				DeliveryTag:  b.nextTag,
				Exchange:     exchange,
				RoutingKey:   key,
				ContentType:  msg.ContentType,
				MessageId:    msg.MessageId,
				Timestamp:    msg.Timestamp,
				Headers:      msg.Headers,
				Body:         msg.Body,
			})
		}
	}
	return nil
}

func (ch *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	if ch.IsClosed() {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.queues[queue]
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	b.queues[queue] = msgs[1:]
	return msgs[0], true, nil
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	ch.broker.qos = prefetchCount
	ch.broker.mu.Unlock()
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.IsClosed() {
		return nil, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumeErr != nil {
		return nil, b.consumeErr
	}
	s := &fakeSubscriber{queue: queue, ch: make(chan amqp.Delivery, 100)}
	b.subscribers[consumer] = s
	// flush what was waiting in the queue
	for _, m := range b.queues[queue] {
		s.ch <- m
	}
	b.queues[queue] = nil
	return s.ch, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, consumer)
	if s, ok := b.subscribers[consumer]; ok {
		close(s.ch)
		delete(b.subscribers, consumer)
	}
	return nil
}

func (ch *fakeChannel) Close() error {
	atomic.StoreInt32(&ch.closed, 1)
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	return atomic.LoadInt32(&ch.closed) == 1 || ch.conn.IsClosed()
}

type fakeAcker struct {
	broker *fakeBroker
	queue  string
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.acks = append(a.broker.acks, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.nacks = append(a.broker.nacks, nackRecord{tag, requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func testConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Host:                "localhost",
		Port:                5672,
		Username:            "guest",
		Password:            "guest",
		VirtualHost:         "/",
		RetryDelay:          10 * time.Millisecond,
		DaemonCheckInterval: 20 * time.Millisecond,
		BackoffBase:         time.Millisecond,
		BackoffMax:          5 * time.Millisecond,
		MaxAttempts:         3,
	}
}

// quietConnectionConfig disables the repair daemon for the test duration.
func quietConnectionConfig() ConnectionConfig {
	cfg := testConnectionConfig()
	cfg.DaemonCheckInterval = time.Hour
	return cfg
}

func newTestManager(t *testing.T, b *fakeBroker) *ConnectionManager {
	return newTestManagerWith(t, b, testConnectionConfig())
}

func newTestManagerWith(t *testing.T, b *fakeBroker, cfg ConnectionConfig) *ConnectionManager {
	m := NewConnectionManager(cfg, hub.New(), WithDialer(b.dial))
	t.Cleanup(func() {
		_ = m.Close()
	})
	return m
}

func failIfErr(t *testing.T, err error, msg ...interface{}) {
	if err != nil {
		t.Fatal(append(msg, err)...)
	}
}
