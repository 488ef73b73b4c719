package supervisor

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/tomb.v2"
)

type stubFactory struct {
	name         string
	qtdConsumers int

	mu               sync.Mutex
	connectionClosed chan error
}

type stubConsumer struct {
	mu             sync.Mutex
	t              *tomb.Tomb
	factory        *stubFactory
	name           string
	factoryName    string
	starts         int32
	stops          int32
	startErr       error
	running        *int32
	maxRunningSeen *int32
}

func newStubFactory(name string, qtdConsumers int) *stubFactory {
	return &stubFactory{
		name:             name,
		qtdConsumers:     qtdConsumers,
		connectionClosed: make(chan error),
	}
}

func (f *stubFactory) CreateConsumers() ([]Consumer, error) {
	c := make([]Consumer, f.qtdConsumers)
	for i := 0; i < f.qtdConsumers; i++ {
		c[i] = newStubConsumer(fmt.Sprint(f.name, "-consumer-", i), f)
	}
	return c, nil
}

func (f *stubFactory) CreateConsumer(name string) (Consumer, error) {
	if !strings.HasPrefix(name, f.name+"-consumer-") {
		return nil, fmt.Errorf("Consumer name not expected, expected: \"%s-consumer-\", received: \"%s\" ", f.name, name)
	}
	return newStubConsumer(name, f), nil
}

func (f *stubFactory) Name() string {
	return f.name
}

// emulate a connection close, every running consumer dies
func (f *stubFactory) Close() {
	f.mu.Lock()
	close(f.connectionClosed)
	f.mu.Unlock()
}

// emulate a connection reset
func (f *stubFactory) Reconnect() {
	f.mu.Lock()
	f.connectionClosed = make(chan error)
	f.mu.Unlock()
}

func (f *stubFactory) closed() chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectionClosed
}

func newStubConsumer(name string, f *stubFactory) *stubConsumer {
	return &stubConsumer{
		factory:     f,
		name:        name,
		factoryName: f.name,
	}
}

func (c *stubConsumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	if c.t != nil && c.t.Alive() {
		return nil
	}
	atomic.AddInt32(&c.starts, 1)
	if c.running != nil {
		n := atomic.AddInt32(c.running, 1)
		for {
			max := atomic.LoadInt32(c.maxRunningSeen)
			if n <= max || atomic.CompareAndSwapInt32(c.maxRunningSeen, max, n) {
				break
			}
		}
	}
	t := &tomb.Tomb{}
	c.t = t
	closed := c.factory.closed()
	t.Go(func() error {
		if c.running != nil {
			defer atomic.AddInt32(c.running, -1)
		}
		select {
		case err := <-closed:
			return err
		case <-t.Dying():
			return nil
		}
	})
	return nil
}

func (c *stubConsumer) Stop() error {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	atomic.AddInt32(&c.stops, 1)
	if t == nil {
		return nil
	}
	t.Kill(nil)
	<-t.Dead()
	return nil
}

// kill emulates a worker crash.
func (c *stubConsumer) kill() {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	t.Kill(fmt.Errorf("crashed"))
	<-t.Dead()
}

func (c *stubConsumer) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t != nil && c.t.Alive()
}

func (c *stubConsumer) Name() string {
	return c.name
}

func (c *stubConsumer) FactoryName() string {
	return c.factoryName
}

func (c *stubConsumer) startCount() int {
	return int(atomic.LoadInt32(&c.starts))
}
