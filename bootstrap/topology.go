// Package bootstrap knows the well-known topology of the bot and the worker
// and wires it into the publisher and consumer registries.
package bootstrap

import (
	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/pkg/errors"
)

// Process roles.
const (
	RoleBot    = "bot"
	RoleWorker = "worker"
)

// Publishers.
const (
	StatsPublisher       = "downly.event.stats.updater.publisher"
	WorkerQueuePublisher = "downly.worker.queue.publisher"
	WorkerEventPublisher = "downly.worker.event.publisher"
)

// Consumers, also used as callback names.
const (
	UsersConsumer   = "downly.event.stats.updater.users.consumer"
	ChatsConsumer   = "downly.event.stats.updater.chats.consumer"
	SuccessConsumer = "downly.worker.event.success.consumer"
	CobaltConsumer  = "downly.worker.queue.cobalt.consumer"
	YtdlConsumer    = "downly.worker.queue.ytdl.consumer"
)

// Routing keys.
const (
	UsersRoutingKey   = "downly.event.stats.updater.users.routing.key"
	ChatsRoutingKey   = "downly.event.stats.updater.chats.routing.key"
	SuccessRoutingKey = "downly.worker.event.success.routing.key"
)

// Download engines.
const (
	EngineCobalt = "cobalt"
	EngineYtdl   = "ytdl"
)

const (
	statsExchange       = "downly.event.stats.updater.exchange"
	workerQueueExchange = "downly.worker.queue.exchange"
	workerEventExchange = "downly.worker.event.exchange"
)

// EngineRoutingKey is the routing key of the download requests handled by engine.
func EngineRoutingKey(engine string) string {
	return "downly.worker.queue." + engine + ".routing.key"
}

func engineQueue(engine string) string {
	return "downly.worker.queue." + engine + ".queue"
}

// Publishers returns the default publishers of a role.
func Publishers(role string) map[string]rabbit.PublisherConfig {
	switch role {
	case RoleBot:
		return map[string]rabbit.PublisherConfig{
			StatsPublisher: {
				Exchange: statsExchange,
				Type:     "topic",
				Durable:  true,
				RoutingKeys: map[string]string{
					"users": UsersRoutingKey,
					"chats": ChatsRoutingKey,
				},
			},
			WorkerQueuePublisher: {
				Exchange: workerQueueExchange,
				Type:     "topic",
				Durable:  true,
				RoutingKeys: map[string]string{
					EngineCobalt: EngineRoutingKey(EngineCobalt),
					EngineYtdl:   EngineRoutingKey(EngineYtdl),
				},
			},
		}
	case RoleWorker:
		return map[string]rabbit.PublisherConfig{
			WorkerEventPublisher: {
				Exchange:    workerEventExchange,
				Type:        "topic",
				Durable:     true,
				RoutingKeys: map[string]string{"success": SuccessRoutingKey},
			},
		}
	}
	return nil
}

// Consumers returns the default consumers of a role.
func Consumers(role string) map[string]rabbit.ConsumerConfig {
	switch role {
	case RoleBot:
		return map[string]rabbit.ConsumerConfig{
			UsersConsumer: {
				Queue:      "downly.event.stats.updater.users.queue",
				Exchange:   statsExchange,
				RoutingKey: UsersRoutingKey,
				Durable:    true,
			},
			ChatsConsumer: {
				Queue:      "downly.event.stats.updater.chats.queue",
				Exchange:   statsExchange,
				RoutingKey: ChatsRoutingKey,
				Durable:    true,
			},
			SuccessConsumer: {
				Queue:      "downly.worker.event.success.queue",
				Exchange:   workerEventExchange,
				RoutingKey: SuccessRoutingKey,
				Durable:    true,
			},
		}
	case RoleWorker:
		consumers := map[string]rabbit.ConsumerConfig{}
		for name, engine := range map[string]string{CobaltConsumer: EngineCobalt, YtdlConsumer: EngineYtdl} {
			consumers[name] = rabbit.ConsumerConfig{
				Queue:      engineQueue(engine),
				Exchange:   workerQueueExchange,
				RoutingKey: EngineRoutingKey(engine),
				Durable:    true,
			}
		}
		return consumers
	}
	return nil
}

// Apply adds the default topology of role to c. Entries already present on c win.
func Apply(c *rabbit.Config, role string) error {
	if role != RoleBot && role != RoleWorker {
		return errors.Errorf("unknown role %q", role)
	}
	if c.Publishers == nil {
		c.Publishers = map[string]rabbit.PublisherConfig{}
	}
	if c.Consumers == nil {
		c.Consumers = map[string]rabbit.ConsumerConfig{}
	}
	for name, p := range Publishers(role) {
		if _, ok := c.Publishers[name]; !ok {
			c.Publishers[name] = p
		}
	}
	for name, consumer := range Consumers(role) {
		if _, ok := c.Consumers[name]; !ok {
			c.Consumers[name] = consumer
		}
	}
	return rabbit.SetDefaults(c)
}
