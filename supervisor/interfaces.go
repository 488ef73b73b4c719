package supervisor

// Factory create consumers
type Factory interface {
	// CreateConsumers will iterate over config and create all the consumers
	CreateConsumers() ([]Consumer, error)

	// CreateConsumer create a new consumer for a specific name using the config provided.
	CreateConsumer(name string) (Consumer, error)

	// Name return the factory name
	Name() string
}

// Consumer receives messages from one queue and hands them to a callback.
type Consumer interface {
	// Start spawns the worker, it's a no-op when the worker is alive.
	Start() error

	// Stop signals the worker and waits a bounded time for it to exit.
	Stop() error

	// Alive returns true while the worker is running.
	Alive() bool

	// Name return the consumer name
	Name() string

	// FactoryName is the name of the factory responsible for this consumer.
	FactoryName() string
}
