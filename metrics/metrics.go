package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes recorded for every consumed message.
const (
	OutcomeAck    = "ack"
	OutcomeNack   = "nack"
	OutcomeError  = "error"
	OutcomePanic  = "panic"
	OutcomeFailed = "failed"
)

// Collector holds the Prometheus metrics of the messaging layer.
// Every method is safe to call on a nil *Collector, which is a no-op.
type Collector struct {
	// Connection metrics
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
	Connected       prometheus.Gauge

	// Message metrics
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	MessagesConsumed  *prometheus.CounterVec

	// Supervisor metrics
	ConsumerRestarts *prometheus.CounterVec
	ConsumersAlive   prometheus.Gauge
}

// NewCollector creates the collector and registers it on reg.
// A nil reg uses the default prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "downly"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_connect_attempts_total",
			Help:      "Total number of attempts to open the broker connection",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_connect_failures_total",
			Help:      "Total number of failed attempts to open the broker connection",
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 when the broker connection is open",
		}),
		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published",
		}, []string{"exchange"}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Total number of messages dropped because the publish failed",
		}, []string{"exchange"}),
		MessagesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Total number of messages handled by consumers, by outcome",
		}, []string{"consumer", "outcome"}),
		ConsumerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_restarts_total",
			Help:      "Total number of consumers restarted by the supervisor",
		}, []string{"consumer"}),
		ConsumersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers_alive",
			Help:      "Number of consumers running on the last supervisor check",
		}),
	}
}

// ConnectAttempt records one dial, err is the dial result.
func (c *Collector) ConnectAttempt(err error) {
	if c == nil {
		return
	}
	c.ConnectAttempts.Inc()
	if err != nil {
		c.ConnectFailures.Inc()
	}
}

func (c *Collector) SetConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.Connected.Set(1)
		return
	}
	c.Connected.Set(0)
}

// Publish records the result of one publish on exchange.
func (c *Collector) Publish(exchange string, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.PublishFailures.WithLabelValues(exchange).Inc()
		return
	}
	c.MessagesPublished.WithLabelValues(exchange).Inc()
}

func (c *Collector) Consume(consumer, outcome string) {
	if c == nil {
		return
	}
	c.MessagesConsumed.WithLabelValues(consumer, outcome).Inc()
}

func (c *Collector) Restart(consumer string) {
	if c == nil {
		return
	}
	c.ConsumerRestarts.WithLabelValues(consumer).Inc()
}

func (c *Collector) SetAlive(n int) {
	if c == nil {
		return
	}
	c.ConsumersAlive.Set(float64(n))
}
