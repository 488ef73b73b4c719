package supervisor

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	factories := []Factory{
		newStubFactory("RabbitMQ", 4),
		newStubFactory("NATS", 3),
	}
	manager := NewManager(50*time.Millisecond, hub.New())
	defer manager.Close()
	manager.StartRunner()

	t.Run("Should start all consumers from factories", func(t *testing.T) {
		err := manager.Start(factories)
		assert.NoError(t, err, "Start should not return an error")
		_ = manager.exec(func(s *state) {
			assert.Len(t, s.factories, 2, "Should be 2 factories inside this manager")
			assert.Len(t, s.consumers, 7, "should be 7 consumers inside this manager")
			for _, c := range s.consumers {
				assert.True(t, c.Alive(), "Consumer should be running")
			}
		})
		assert.Len(t, manager.Names(), 7)
	})
	t.Run("Should restart dead consumers", func(t *testing.T) {
		// Simulate a closed connection
		factories[0].(*stubFactory).Close()
		time.Sleep(5 * time.Millisecond)
		_ = manager.exec(func(s *state) {
			for name, c := range s.consumers {
				if strings.HasPrefix(name, "RabbitMQ-") {
					assert.False(t, c.Alive(), "The %s should be dead", name)
				}
			}
		})
		factories[0].(*stubFactory).Reconnect()
		time.Sleep(120 * time.Millisecond)
		_ = manager.exec(func(s *state) {
			for name, c := range s.consumers {
				assert.True(t, c.Alive(), "The %s should be alive now", name)
				if strings.HasPrefix(name, "RabbitMQ-") {
					assert.True(t, c.(*stubConsumer).startCount() >= 2, "Consumer Start should be called again")
				}
			}
		})
	})
	t.Run("StopAll should stop all consumers and keep them stopped", func(t *testing.T) {
		require.NoError(t, manager.StopAll())
		time.Sleep(120 * time.Millisecond)
		for _, name := range manager.Names() {
			c, ok := manager.Get(name)
			require.True(t, ok)
			assert.False(t, c.Alive(), "The %s should not be restarted", name)
		}
		require.NoError(t, manager.StartAll())
		for _, name := range manager.Names() {
			c, _ := manager.Get(name)
			assert.True(t, c.Alive(), "The %s should be alive after StartAll", name)
		}
	})
	t.Run("Clear should remove everything", func(t *testing.T) {
		require.NoError(t, manager.Clear())
		assert.Len(t, manager.Names(), 0)
		_ = manager.exec(func(s *state) {
			assert.Len(t, s.factories, 0, "Should be 0 factories inside this manager")
		})
	})
}

func TestManager_RestartKilledConsumer(t *testing.T) {
	manager := NewManager(30*time.Millisecond, hub.New())
	defer manager.Close()

	c := newStubConsumer("RabbitMQ-consumer-0", newStubFactory("RabbitMQ", 1))
	require.NoError(t, manager.Register(c))
	manager.StartRunner()
	manager.StartRunner()

	c.kill()
	require.False(t, c.Alive())
	assert.Eventually(t, c.Alive, time.Second, 10*time.Millisecond, "the runner should restart the consumer")
	assert.Equal(t, 2, c.startCount())

	manager.StopRunner()
	c.kill()
	time.Sleep(90 * time.Millisecond)
	assert.False(t, c.Alive(), "no restarts after StopRunner")
}

func TestManager_RecreateWhenStartFails(t *testing.T) {
	f := newStubFactory("RabbitMQ", 1)
	manager := NewManager(30*time.Millisecond, hub.New())
	defer manager.Close()

	require.NoError(t, manager.RegisterFrom(f, "RabbitMQ-consumer-0"))
	c, ok := manager.Get("RabbitMQ-consumer-0")
	require.True(t, ok)
	old := c.(*stubConsumer)
	old.kill()
	old.mu.Lock()
	old.startErr = errors.New("channel closed")
	old.mu.Unlock()

	manager.StartRunner()
	assert.Eventually(t, func() bool {
		c, _ := manager.Get("RabbitMQ-consumer-0")
		return c != old && c.Alive()
	}, time.Second, 10*time.Millisecond)
}

func TestManager_RegisterReplacesTheOldConsumer(t *testing.T) {
	manager := NewManager(time.Second, hub.New())
	defer manager.Close()
	f := newStubFactory("RabbitMQ", 1)

	var running, maxRunning int32
	first := newStubConsumer("RabbitMQ-consumer-0", f)
	first.running, first.maxRunningSeen = &running, &maxRunning
	second := newStubConsumer("RabbitMQ-consumer-0", f)
	second.running, second.maxRunningSeen = &running, &maxRunning

	require.NoError(t, manager.Register(first))
	require.True(t, first.Alive())
	require.NoError(t, manager.Register(second))

	assert.False(t, first.Alive(), "the old consumer must be stopped")
	assert.True(t, second.Alive())
	assert.EqualValues(t, 1, atomic.LoadInt32(&first.stops))
	assert.EqualValues(t, 1, atomic.LoadInt32(&maxRunning), "two workers with the same name never run together")
	got, _ := manager.Get("RabbitMQ-consumer-0")
	assert.True(t, got == second)
}

func TestManager_RegisterFromUnknownConsumer(t *testing.T) {
	manager := NewManager(time.Second, hub.New())
	defer manager.Close()
	err := manager.RegisterFrom(newStubFactory("RabbitMQ", 1), "NATS-consumer-0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create the consumer")
	assert.Error(t, manager.Stop("NATS-consumer-0"))
}

func TestManager_Closed(t *testing.T) {
	manager := NewManager(time.Second, hub.New())
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	err := manager.Register(newStubConsumer("RabbitMQ-consumer-0", newStubFactory("RabbitMQ", 1)))
	assert.Equal(t, ErrClosed, err)
}
