package rabbit

import (
	"context"
	"sort"
	"sync"

	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

// PublisherRegistry keeps the publishers of the process by name.
type PublisherRegistry struct {
	mu         sync.RWMutex
	publishers map[string]*Publisher
	hub        *hub.Hub
}

func NewPublisherRegistry(h *hub.Hub) *PublisherRegistry {
	return &PublisherRegistry{
		publishers: map[string]*Publisher{},
		hub:        h,
	}
}

// Register stores p under name. The last registration wins.
func (r *PublisherRegistry) Register(name string, p *Publisher) {
	r.mu.Lock()
	_, replaced := r.publishers[name]
	r.publishers[name] = p
	r.mu.Unlock()

	if replaced {
		r.hub.Publish(hub.Message{
			Name:   "publisher.replaced.warning",
			Body:   []byte("Publisher already registered, replacing it"),
			Fields: hub.Fields{"name": name},
		})
	}
}

func (r *PublisherRegistry) Get(name string) (*Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publishers[name]
	return p, ok
}

// Publish looks up the publisher and sends body in background.
func (r *PublisherRegistry) Publish(name, routingKey string, body interface{}) error {
	p, ok := r.Get(name)
	if !ok {
		return errors.Wrapf(ErrPublisherNotFound, "publisher %q", name)
	}
	p.Publish(routingKey, body)
	return nil
}

// Names returns the registered names sorted.
func (r *PublisherRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every registered publisher finished its background publishes.
func (r *PublisherRegistry) Wait() {
	r.mu.RLock()
	publishers := make([]*Publisher, 0, len(r.publishers))
	for _, p := range r.publishers {
		publishers = append(publishers, p)
	}
	r.mu.RUnlock()
	for _, p := range publishers {
		p.Wait()
	}
}

// Drain is Wait bounded by ctx. It returns ctx.Err() when the publishes are still running.
func (r *PublisherRegistry) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear forgets every publisher.
func (r *PublisherRegistry) Clear() {
	r.mu.Lock()
	r.publishers = map[string]*Publisher{}
	r.mu.Unlock()
}
