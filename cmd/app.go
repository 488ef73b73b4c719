package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leandro-lugaresi/downly-bus/bootstrap"
	"github.com/leandro-lugaresi/downly-bus/config"
	"github.com/leandro-lugaresi/downly-bus/metrics"
	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/leandro-lugaresi/downly-bus/subscriber"
	"github.com/leandro-lugaresi/downly-bus/supervisor"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
)

const drainTimeout = 5 * time.Second

// app is the composition root shared by the bot and the worker.
type app struct {
	config     config.Config
	hub        *hub.Hub
	logger     *subscriber.Logger
	metrics    *metrics.Collector
	registry   *prometheus.Registry
	server     *metrics.Server
	manager    *rabbit.ConnectionManager
	supervisor *supervisor.Manager
	publishers *rabbit.PublisherRegistry
}

func newApp(role string) (*app, error) {
	c, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, err
	}
	if err = bootstrap.Apply(&c.RabbitMQ, role); err != nil {
		return nil, err
	}
	h := hub.New()
	logger, err := subscriber.NewLogger(os.Stdout, h, c.LogLevel, c.Development)
	if err != nil {
		return nil, err
	}
	go logger.Do()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(c.Metrics.Namespace, registry)

	a := &app{
		config:     c,
		hub:        h,
		logger:     logger,
		metrics:    collector,
		registry:   registry,
		manager:    rabbit.NewConnectionManager(c.RabbitMQ.Connection, h, rabbit.WithMetrics(collector)),
		supervisor: supervisor.NewManager(c.RabbitMQ.CheckInterval, h, supervisor.WithMetrics(collector)),
		publishers: rabbit.NewPublisherRegistry(h),
	}
	h.Publish(hub.Message{
		Name:   "downly.start.info",
		Body:   []byte("starting"),
		Fields: hub.Fields{"role": role, "version": version, "broker": c.RabbitMQ.Connection.String()},
	})
	return a, nil
}

// serve starts the metrics endpoint and the config watcher of a long running role.
func (a *app) serve() {
	a.registry.MustRegister(collectors.NewGoCollector())
	if a.config.Metrics.Enabled {
		a.server = metrics.NewServer(a.config.Metrics.Addr, a.registry, a.manager.Ping)
		go func() {
			if err := a.server.Start(); err != nil {
				a.hub.Publish(hub.Message{
					Name:   "metrics.server.error",
					Body:   []byte("metrics server stopped"),
					Fields: hub.Fields{"addr": a.config.Metrics.Addr, "error": err},
				})
			}
		}()
	}
	config.Watch(cfgFile, a.hub, func(config.Config) {
		a.hub.Publish(hub.Message{
			Name: "config.reload.warning",
			Body: []byte("the config changed, restart the process to apply it"),
		})
	})
}

// enablePublishers blocks until the broker answers and declares the publishers.
func (a *app) enablePublishers(ctx context.Context) error {
	f := rabbit.NewFactory(a.config.RabbitMQ, a.manager, nil, a.hub, a.metrics)
	return bootstrap.EnablePublisherRegistry(ctx, a.manager, f, a.publishers, rabbit.WithErrorHandler(a.publishFailed))
}

// enableConsumers starts every configured consumer under the supervisor.
func (a *app) enableConsumers(callbacks map[string]rabbit.Callback) error {
	f := rabbit.NewFactory(a.config.RabbitMQ, a.manager, callbacks, a.hub, a.metrics)
	return bootstrap.EnableConsumerRegistry(a.supervisor, f)
}

func (a *app) publishFailed(exchange, routingKey string, err error) {
	a.hub.Publish(hub.Message{
		Name:   "downly.publish.error",
		Body:   []byte("message lost"),
		Fields: hub.Fields{"exchange": exchange, "routing_key": routingKey, "error": err},
	})
}

// wait blocks until SIGINT or SIGTERM.
func (a *app) wait() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	signal.Stop(signals)
	a.hub.Publish(hub.Message{
		Name:   "downly.shutdown.info",
		Body:   []byte("shutting down"),
		Fields: hub.Fields{"signal": sig.String()},
	})
}

// close stops consumers first, then drains the publishers and drops the connection.
func (a *app) close() error {
	var errs supervisor.MultiError
	if err := bootstrap.DisableConsumerRegistry(a.supervisor); err != nil {
		errs = append(errs, err)
	}
	if err := a.supervisor.Close(); err != nil {
		errs = append(errs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := a.publishers.Drain(ctx); err != nil {
		a.hub.Publish(hub.Message{
			Name:   "downly.shutdown.warning",
			Body:   []byte("pending publishes are dropped, the broker is unavailable"),
			Fields: hub.Fields{"timeout": drainTimeout},
		})
	}
	// closing the manager wakes the publishes still waiting for the broker
	if err := a.manager.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "failed to close the broker connection"))
	}
	a.publishers.Wait()
	a.publishers.Clear()
	if a.server != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := a.server.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
	}
	a.hub.Close()
	a.logger.Stop()
	return errs.ErrorOrNil()
}

// run is the common lifecycle of a long running role.
func (a *app) run(callbacks func() (map[string]rabbit.Callback, error)) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		a.wait()
		cancel()
	}()
	a.serve()
	if err := a.enablePublishers(ctx); err != nil {
		return a.fail(err)
	}
	table, err := callbacks()
	if err != nil {
		return a.fail(err)
	}
	if err = a.enableConsumers(table); err != nil {
		return a.fail(err)
	}
	<-ctx.Done()
	return a.close()
}

func (a *app) fail(err error) error {
	return supervisor.MultiError{err, a.close()}.ErrorOrNil()
}
