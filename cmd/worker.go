package cmd

import (
	"sort"

	"github.com/leandro-lugaresi/downly-bus/bootstrap"
	"github.com/leandro-lugaresi/downly-bus/rabbit"
	"github.com/leandro-lugaresi/downly-bus/runner"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the download workers",
	Long: `Run the download workers: every configured engine consumes its queue, resolves
the requested urls and publishes the links on the worker events exchange.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(bootstrap.RoleWorker)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start the worker")
		}
		err = a.run(func() (map[string]rabbit.Callback, error) {
			events, ok := a.publishers.Get(bootstrap.WorkerEventPublisher)
			if !ok {
				return nil, errors.Errorf("publisher %s is not configured", bootstrap.WorkerEventPublisher)
			}
			engines := buildEngines(a.config.Engines, a.hub)
			if len(engines) == 0 {
				return nil, errors.New("no download engine is available")
			}
			dropIdleConsumers(a.config.RabbitMQ.Consumers, engines, a.hub)
			return bootstrap.WorkerCallbacks(engines, events, a.hub), nil
		})
		if err != nil {
			log.Error().Err(err).Msg("The worker stopped with errors")
		}
	},
}

// buildEngines creates the configured engines. Broken ones are skipped with a warning.
func buildEngines(configs map[string]runner.Config, h *hub.Hub) map[string]runner.Engine {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)
	engines := make(map[string]runner.Engine, len(configs))
	for _, name := range names {
		e, err := runner.New(configs[name], h)
		if err != nil {
			h.Publish(hub.Message{
				Name:   "worker.engine.warning",
				Body:   []byte("engine disabled"),
				Fields: hub.Fields{"engine": name, "error": err},
			})
			continue
		}
		engines[name] = e
	}
	return engines
}

// dropIdleConsumers removes the engine consumers that have no engine to serve them.
func dropIdleConsumers(consumers map[string]rabbit.ConsumerConfig, engines map[string]runner.Engine, h *hub.Hub) {
	for name := range consumers {
		engine, ok := bootstrap.EngineOf(name)
		if !ok {
			continue
		}
		if _, ok = engines[engine]; !ok {
			delete(consumers, name)
			h.Publish(hub.Message{
				Name:   "worker.consumer.warning",
				Body:   []byte("consumer disabled, the engine is not available"),
				Fields: hub.Fields{"consumer": name, "engine": engine},
			})
		}
	}
}

func init() {
	RootCmd.AddCommand(workerCmd)
}
