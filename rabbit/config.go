package rabbit

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/creasty/defaults"
)

// DeliveryMode describes an AMQP message delivery mode.
type DeliveryMode uint8

// List of available values for the message delivery mode.
const (
	NonPersistent DeliveryMode = 1
	Persistent    DeliveryMode = 2
)

// Consumer delivery strategies.
const (
	// ModePush subscribes with basic.consume and receives deliveries as they arrive.
	ModePush = "push"
	// ModePoll fetches one message at a time with basic.get.
	ModePoll = "poll"
)

// Config describes the whole messaging setup: the shared connection plus
// every publisher and consumer known by name.
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	// Publishers are declared and registered at startup.
	Publishers map[string]PublisherConfig `mapstructure:"publishers" yaml:"publishers" default:"{}"`
	// Consumers describes configuration list for consumers.
	Consumers map[string]ConsumerConfig `mapstructure:"consumers" yaml:"consumers" default:"{}"`
	// CheckInterval is how often the supervisor looks for dead consumers.
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval" default:"5s"`
}

// ConnectionConfig holds the parameters of the broker connection.
// It is passed by value and never changes after the manager is built.
type ConnectionConfig struct {
	Host                string        `mapstructure:"host" yaml:"host" default:"localhost"`
	Port                int           `mapstructure:"port" yaml:"port" default:"5672"`
	Username            string        `mapstructure:"username" yaml:"username" default:"downly"`
	Password            string        `mapstructure:"password" yaml:"password" default:"downly"`
	VirtualHost         string        `mapstructure:"virtual_host" yaml:"virtual_host" default:"/"`
	Heartbeat           time.Duration `mapstructure:"heartbeat" yaml:"heartbeat" default:"5s"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" default:"5s"`
	DaemonCheckInterval time.Duration `mapstructure:"daemon_check_interval" yaml:"daemon_check_interval" default:"5s"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" default:"10s"`
	// Bounded retry used by ConnectWithBackoff.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" default:"1s"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" default:"30s"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" default:"5"`
}

// Address returns host:port.
func (c ConnectionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL builds the amqp URI. The virtual host is sent through amqp.Config.
func (c ConnectionConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.Address(),
		Path:   "/",
	}
	return u.String()
}

func (c ConnectionConfig) String() string {
	return fmt.Sprintf("amqp://%s@%s (vhost %q)", c.Username, c.Address(), c.VirtualHost)
}

// PublisherConfig describes one exchange used for publishing.
type PublisherConfig struct {
	Exchange string `mapstructure:"exchange" yaml:"exchange"`
	Type     string `mapstructure:"type" yaml:"type" default:"topic"`
	Durable  bool   `mapstructure:"durable" yaml:"durable"`
	// RoutingKeys maps logical names (engine names, event names) to routing keys.
	RoutingKeys map[string]string `mapstructure:"routing_keys" yaml:"routing_keys" default:"{}"`
}

// ConsumerConfig describes consumer's configuration.
type ConsumerConfig struct {
	Queue        string `mapstructure:"queue" yaml:"queue"`
	Exchange     string `mapstructure:"exchange" yaml:"exchange"`
	ExchangeType string `mapstructure:"exchange_type" yaml:"exchange_type" default:"topic"`
	RoutingKey   string `mapstructure:"routing_key" yaml:"routing_key"`
	Durable      bool   `mapstructure:"durable" yaml:"durable"`
	// Callback is the name used to resolve the message handler on the Factory.
	Callback        string        `mapstructure:"callback" yaml:"callback"`
	Mode            string        `mapstructure:"mode" yaml:"mode" default:"push"`
	PrefetchCount   int           `mapstructure:"prefetch_count" yaml:"prefetch_count" default:"1"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" default:"100ms"`
	SetupRetryDelay time.Duration `mapstructure:"setup_retry_delay" yaml:"setup_retry_delay" default:"2s"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout" default:"5s"`
	// Timeout limits each callback execution, zero means no limit.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// QueueArgs are sent on queue.declare (x-message-ttl, x-dead-letter-exchange...).
	QueueArgs map[string]interface{} `mapstructure:"queue_args" yaml:"queue_args"`
}

// SetDefaults fill every zero value with the default declared on the struct tags.
func SetDefaults(config *Config) error {
	if err := defaults.Set(config); err != nil {
		return err
	}
	if err := defaults.Set(&config.Connection); err != nil {
		return err
	}

	for k, cfg := range config.Publishers {
		if err := defaults.Set(&cfg); err != nil {
			return err
		}
		config.Publishers[k] = cfg
	}

	for k, cfg := range config.Consumers {
		if err := defaults.Set(&cfg); err != nil {
			return err
		}
		config.Consumers[k] = cfg
	}
	return nil
}
