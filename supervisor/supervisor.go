package supervisor

import (
	"sort"
	"sync"
	"time"

	"github.com/leandro-lugaresi/downly-bus/metrics"
	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

type state struct {
	factories map[string]Factory
	consumers map[string]Consumer
	// stopped holds the consumers stopped on purpose, they are not restarted.
	stopped map[string]bool
}

// Manager is the consumer registry of the process.
// Keeping track of the current state of consumers and stop/restart consumers when needed.
// All the state is owned by one goroutine fed by the ops channel.
type Manager struct {
	hub            *hub.Hub
	metrics        *metrics.Collector
	checkAliveness time.Duration
	ops            chan func(*state)
	done           chan struct{}
	closeOnce      sync.Once

	runnerMu     sync.Mutex
	runnerCancel chan struct{}
	runnerDone   chan struct{}
}

// Option configures the Manager.
type Option func(*Manager)

// WithMetrics counts restarts and alive consumers.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// NewManager init a new manager and wait for operations.
func NewManager(intervalChecks time.Duration, h *hub.Hub, opts ...Option) *Manager {
	if intervalChecks <= 0 {
		intervalChecks = 5 * time.Second
	}
	m := &Manager{
		hub:            h,
		checkAliveness: intervalChecks,
		ops:            make(chan func(*state)),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.work()
	return m
}

// work will execute all te operations received from the internal operation channel
func (m *Manager) work() {
	s := &state{
		factories: make(map[string]Factory),
		consumers: make(map[string]Consumer),
		stopped:   make(map[string]bool),
	}
	for {
		select {
		case op := <-m.ops:
			op(s)
		case <-m.done:
			return
		}
	}
}

// exec runs op on the manager goroutine and waits for it.
func (m *Manager) exec(op func(*state)) error {
	finished := make(chan struct{})
	select {
	case m.ops <- func(s *state) {
		defer close(finished)
		op(s)
	}:
	case <-m.done:
		return ErrClosed
	}
	<-finished
	return nil
}

// Register stores c and starts it. A consumer already registered with the
// same name is stopped before the new one starts.
func (m *Manager) Register(c Consumer) error {
	var err error
	if execErr := m.exec(func(s *state) {
		err = m.register(s, c)
	}); execErr != nil {
		return execErr
	}
	return err
}

// RegisterFrom creates the consumer name using f and registers it.
func (m *Manager) RegisterFrom(f Factory, name string) error {
	var err error
	if execErr := m.exec(func(s *state) {
		s.factories[f.Name()] = f
		var c Consumer
		c, err = f.CreateConsumer(name)
		if err != nil {
			err = errors.Wrapf(err, "failed to create the consumer \"%s\"", name)
			return
		}
		err = m.register(s, c)
	}); execErr != nil {
		return execErr
	}
	return err
}

func (m *Manager) register(s *state, c Consumer) error {
	name := c.Name()
	if old, ok := s.consumers[name]; ok {
		m.hub.Publish(hub.Message{
			Name:   "supervisor.replacing_consumer.warning",
			Body:   []byte("Consumer already registered, stopping the old one"),
			Fields: hub.Fields{"consumer-name": name},
		})
		if err := old.Stop(); err != nil {
			m.hub.Publish(hub.Message{
				Name:   "supervisor.replacing_consumer.error",
				Body:   []byte("Error stopping the old consumer"),
				Fields: hub.Fields{"consumer-name": name, "error": err},
			})
		}
	}
	s.consumers[name] = c
	delete(s.stopped, name)
	return errors.Wrapf(c.Start(), "failed to start the consumer \"%s\"", name)
}

// Start all the consumers from factories
func (m *Manager) Start(fs []Factory) error {
	var errs MultiError
	execErr := m.exec(func(s *state) {
		for _, f := range fs {
			s.factories[f.Name()] = f
			cs, err := f.CreateConsumers()
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "factory \"%s\"", f.Name()))
				continue
			}
			for _, c := range cs {
				errs = append(errs, m.register(s, c))
			}
		}
	})
	if execErr != nil {
		return execErr
	}
	return errs.ErrorOrNil()
}

// Get returns the consumer registered with name.
func (m *Manager) Get(name string) (Consumer, bool) {
	var (
		c  Consumer
		ok bool
	)
	_ = m.exec(func(s *state) {
		c, ok = s.consumers[name]
	})
	return c, ok
}

// Names returns the registered consumer names sorted.
func (m *Manager) Names() []string {
	var names []string
	_ = m.exec(func(s *state) {
		for name := range s.consumers {
			names = append(names, name)
		}
	})
	sort.Strings(names)
	return names
}

// StartAll starts every registered consumer, including the ones stopped on purpose.
func (m *Manager) StartAll() error {
	var errs MultiError
	execErr := m.exec(func(s *state) {
		for name, c := range s.consumers {
			delete(s.stopped, name)
			errs = append(errs, c.Start())
		}
	})
	if execErr != nil {
		return execErr
	}
	return errs.ErrorOrNil()
}

// StopAll stops every consumer. They are kept registered but not restarted by the runner.
func (m *Manager) StopAll() error {
	var errs MultiError
	execErr := m.exec(func(s *state) {
		errs = m.stopAll(s)
	})
	if execErr != nil {
		return execErr
	}
	return errs.ErrorOrNil()
}

func (m *Manager) stopAll(s *state) MultiError {
	var errs MultiError
	for name, c := range s.consumers {
		s.stopped[name] = true
		if err := c.Stop(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to stop the consumer \"%s\"", name))
		}
	}
	return errs
}

// Stop stops one consumer, the runner won't restart it.
func (m *Manager) Stop(name string) error {
	var err error
	execErr := m.exec(func(s *state) {
		c, ok := s.consumers[name]
		if !ok {
			err = errors.Errorf("consumer \"%s\" is not registered", name)
			return
		}
		s.stopped[name] = true
		err = c.Stop()
	})
	if execErr != nil {
		return execErr
	}
	return err
}

// Clear removes every consumer and factory. Consumers still alive are stopped first.
func (m *Manager) Clear() error {
	var errs MultiError
	execErr := m.exec(func(s *state) {
		for name, c := range s.consumers {
			if c.Alive() {
				if err := c.Stop(); err != nil {
					errs = append(errs, err)
				}
			}
			delete(s.consumers, name)
		}
		for name := range s.factories {
			delete(s.factories, name)
		}
		s.stopped = make(map[string]bool)
	})
	if execErr != nil {
		return execErr
	}
	return errs.ErrorOrNil()
}

// StartRunner starts the goroutine restarting dead consumers. Calling it twice does nothing.
func (m *Manager) StartRunner() {
	m.runnerMu.Lock()
	defer m.runnerMu.Unlock()
	if m.runnerCancel != nil {
		return
	}
	cancel := make(chan struct{})
	done := make(chan struct{})
	m.runnerCancel = cancel
	m.runnerDone = done
	go func() {
		defer close(done)
		m.CheckConsumers(cancel)
	}()
	m.hub.Publish(hub.Message{
		Name:   "supervisor.runner.info",
		Body:   []byte("Supervisor runner started"),
		Fields: hub.Fields{"interval": m.checkAliveness},
	})
}

// StopRunner stops the runner and waits for the current check to finish.
func (m *Manager) StopRunner() {
	m.runnerMu.Lock()
	defer m.runnerMu.Unlock()
	if m.runnerCancel == nil {
		return
	}
	close(m.runnerCancel)
	<-m.runnerDone
	m.runnerCancel = nil
	m.runnerDone = nil
}

// CheckConsumers will tick and send operations to do some checks
func (m *Manager) CheckConsumers(cancel <-chan struct{}) {
	ticker := time.NewTicker(m.checkAliveness)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.exec(m.restartDeadConsumers); err != nil {
				return
			}
		case <-cancel:
			return
		case <-m.done:
			return
		}
	}
}

func (m *Manager) restartDeadConsumers(s *state) {
	alive := 0
	for name, c := range s.consumers {
		if c.Alive() {
			alive++
			continue
		}
		if s.stopped[name] {
			continue
		}
		m.hub.Publish(hub.Message{
			Name: "supervisor.restarting_consumer.warning",
			Body: []byte("Consumer is dead, restarting"),
			Fields: hub.Fields{
				"factory-name":  c.FactoryName(),
				"consumer-name": name,
			},
		})
		m.metrics.Restart(name)
		err := c.Start()
		if err == nil {
			alive++
			continue
		}
		nc, rerr := m.recreate(s, c)
		if rerr != nil {
			m.hub.Publish(hub.Message{
				Name: "supervisor.recreating_consumer.error",
				Body: []byte("Error recreating one consumer"),
				Fields: hub.Fields{
					"factory-name":  c.FactoryName(),
					"consumer-name": name,
					"error":         rerr,
					"start-error":   err,
				},
			})
			continue
		}
		s.consumers[name] = nc
		alive++
	}
	m.metrics.SetAlive(alive)
}

// recreate builds a new consumer using the factory of c, used when c refuses to start again.
// rabbit.Consumer always restarts in place; this path serves consumers that can't be reused.
func (m *Manager) recreate(s *state, c Consumer) (Consumer, error) {
	f, ok := s.factories[c.FactoryName()]
	if !ok {
		return nil, errors.Errorf("factory \"%s\" did not exist anymore", c.FactoryName())
	}
	nc, err := f.CreateConsumer(c.Name())
	if err != nil {
		return nil, err
	}
	return nc, nc.Start()
}

// Close stops the runner, every consumer and the operation loop.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.StopRunner()
		err = m.StopAll()
		close(m.done)
	})
	return err
}
