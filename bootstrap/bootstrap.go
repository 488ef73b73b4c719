package bootstrap

import (
	"context"

	"github.com/leandro-lugaresi/downly-bus/callbacks"
	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/leandro-lugaresi/downly-bus/runner"
	"github.com/leandro-lugaresi/downly-bus/store"
	"github.com/leandro-lugaresi/downly-bus/supervisor"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

// EnablePublisherRegistry waits for the broker and registers every publisher the factory knows.
func EnablePublisherRegistry(ctx context.Context, m *rabbit.ConnectionManager, f *rabbit.Factory, r *rabbit.PublisherRegistry, opts ...rabbit.PublisherOption) error {
	if err := m.WaitForConnection(ctx); err != nil {
		return errors.Wrap(err, "broker unavailable")
	}
	return f.CreatePublishers(ctx, r, opts...)
}

// EnableConsumerRegistry registers and starts every consumer the factories know
// and starts the supervisor runner.
func EnableConsumerRegistry(sup *supervisor.Manager, fs ...supervisor.Factory) error {
	if err := sup.Start(fs); err != nil {
		return err
	}
	sup.StartRunner()
	return nil
}

// DisableConsumerRegistry stops the runner, then every consumer, and empties the registry.
func DisableConsumerRegistry(sup *supervisor.Manager) error {
	sup.StopRunner()
	stopErr := sup.StopAll()
	if err := sup.Clear(); err != nil {
		return err
	}
	return stopErr
}

// BotCallbacks is the callback table of the bot consumers.
func BotCallbacks(s *store.Store, n callbacks.Notifier, h *hub.Hub) map[string]rabbit.Callback {
	return map[string]rabbit.Callback{
		UsersConsumer:   callbacks.UserStateUpdater(s, h),
		ChatsConsumer:   callbacks.ChatStateUpdater(s, h),
		SuccessConsumer: callbacks.WorkerSuccess(n, s, h),
	}
}

// WorkerCallbacks is the callback table of the worker consumers.
// Only the engines present on the map get a callback.
func WorkerCallbacks(engines map[string]runner.Engine, events callbacks.Publisher, h *hub.Hub) map[string]rabbit.Callback {
	table := map[string]rabbit.Callback{}
	for name, engine := range map[string]string{CobaltConsumer: EngineCobalt, YtdlConsumer: EngineYtdl} {
		if e, ok := engines[engine]; ok {
			table[name] = callbacks.Downloader(e, events, SuccessRoutingKey, h)
		}
	}
	return table
}

// EngineOf returns the engine served by a worker consumer.
func EngineOf(consumer string) (string, bool) {
	switch consumer {
	case CobaltConsumer:
		return EngineCobalt, true
	case YtdlConsumer:
		return EngineYtdl, true
	}
	return "", false
}
