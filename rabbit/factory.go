package rabbit

import (
	"context"
	"sort"
	"strings"

	"github.com/leandro-lugaresi/downly-bus/metrics"
	"github.com/leandro-lugaresi/downly-bus/supervisor"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

// Factory builds the consumers and publishers described on the config,
// all of them sharing the same ConnectionManager.
type Factory struct {
	config    Config
	manager   *ConnectionManager
	callbacks map[string]Callback
	hub       *hub.Hub
	metrics   *metrics.Collector
}

// NewFactory creates a factory. callbacks resolves the callback names used on the consumers config.
func NewFactory(config Config, m *ConnectionManager, callbacks map[string]Callback, h *hub.Hub, c *metrics.Collector) *Factory {
	return &Factory{
		config:    config,
		manager:   m,
		callbacks: callbacks,
		hub:       h,
		metrics:   c,
	}
}

// CreateConsumers will iterate over config and create all the consumers
func (f *Factory) CreateConsumers() ([]supervisor.Consumer, error) {
	names := make([]string, 0, len(f.config.Consumers))
	for name := range f.config.Consumers {
		names = append(names, name)
	}
	sort.Strings(names)

	consumers := make([]supervisor.Consumer, 0, len(names))
	for _, name := range names {
		consumer, err := f.newConsumer(name, f.config.Consumers[name])
		if err != nil {
			return consumers, err
		}
		consumers = append(consumers, consumer)
	}
	return consumers, nil
}

// CreateConsumer create a new consumer for a specific name using the config provided.
func (f *Factory) CreateConsumer(name string) (supervisor.Consumer, error) {
	cfg, ok := f.config.Consumers[name]
	if !ok {
		return nil, errors.Errorf("consumer \"%s\" did not exist", name)
	}
	return f.newConsumer(name, cfg)
}

// Name return the factory name
func (f *Factory) Name() string {
	return "rabbitmq"
}

func (f *Factory) newConsumer(name string, cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Queue) == 0 {
		return nil, errors.Errorf("consumer \"%s\" without queue", name)
	}
	callbackName := cfg.Callback
	if len(callbackName) == 0 {
		callbackName = name
	}
	cb, ok := f.callbacks[callbackName]
	if !ok {
		available := make([]string, 0, len(f.callbacks))
		for cname := range f.callbacks {
			available = append(available, cname)
		}
		sort.Strings(available)
		return nil, errors.Errorf(
			"callback for consumer(%s) did not exist, callbacks available: %s",
			name,
			strings.Join(available, ", "))
	}
	return NewConsumer(name, cfg, cb, f.manager, f.hub,
		WithFactoryName(f.Name()),
		WithConsumerMetrics(f.metrics)), nil
}

// CreatePublishers declares every configured publisher and registers it on r.
func (f *Factory) CreatePublishers(ctx context.Context, r *PublisherRegistry, opts ...PublisherOption) error {
	names := make([]string, 0, len(f.config.Publishers))
	for name := range f.config.Publishers {
		names = append(names, name)
	}
	sort.Strings(names)

	opts = append([]PublisherOption{WithPublisherMetrics(f.metrics)}, opts...)
	for _, name := range names {
		p, err := NewPublisher(ctx, f.manager, f.config.Publishers[name], f.hub, opts...)
		if err != nil {
			return errors.Wrapf(err, "failed to create the publisher \"%s\"", name)
		}
		r.Register(name, p)
	}
	return nil
}
