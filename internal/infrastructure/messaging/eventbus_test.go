package messaging

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ended(digest string) shared.Event {
	return session.NewSessionEndedEvent(digest, session.EndExpired, time.Minute)
}

func TestSyncBus_RoutesByType(t *testing.T) {
	bus := NewInMemoryEventBus(Config{AsyncMode: false})
	defer bus.Close()

	var typed, all []string
	require.NoError(t, bus.Subscribe(shared.EventSessionEnded, func(e shared.Event) error {
		typed = append(typed, e.AggregateID())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, string(e.EventType()))
		return nil
	}))

	require.NoError(t, bus.Publish(ended("d1")))
	require.NoError(t, bus.Publish(session.NewLoginCompletedEvent(session.LoginAttempt{PrincipalDigest: "d2", Outcome: "ok"})))

	assert.Equal(t, []string{"d1"}, typed)
	assert.Equal(t, []string{string(shared.EventSessionEnded), string(shared.EventLoginCompleted)}, all)

	m := bus.Metrics()
	assert.EqualValues(t, 2, m.Published)
	assert.EqualValues(t, 1, m.PublishedByType[string(shared.EventSessionEnded)])
	assert.EqualValues(t, 3, m.HandlerExecutions)
}

func TestSyncBus_HandlerErrorsAndPanicsAreContained(t *testing.T) {
	bus := NewInMemoryEventBus(Config{AsyncMode: false})
	defer bus.Close()

	ran := false
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("bad handler") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { ran = true; return nil }))

	require.NoError(t, bus.Publish(ended("d")))
	assert.True(t, ran)
	assert.EqualValues(t, 2, bus.Metrics().HandlerFailures)
}

func TestAsyncBus_CloseWaitsForHandlers(t *testing.T) {
	bus := NewInMemoryEventBus(Config{AsyncMode: true, WorkerPoolSize: 2})

	var done atomic.Int32
	require.NoError(t, bus.Subscribe(shared.EventSessionEnded, func(shared.Event) error {
		time.Sleep(10 * time.Millisecond)
		done.Add(1)
		return nil
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ended("d")))
	}
	require.NoError(t, bus.Close())

	assert.EqualValues(t, 10, done.Load())
	assert.ErrorIs(t, bus.Publish(ended("d")), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventSessionEnded, func(shared.Event) error { return nil }), ErrEventBusClosed)
	assert.NoError(t, bus.Close())
}

func TestAsyncBus_BoundsConcurrency(t *testing.T) {
	bus := NewInMemoryEventBus(Config{AsyncMode: true, WorkerPoolSize: 3})

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(ended("d")))
	}
	require.NoError(t, bus.Close())

	assert.LessOrEqual(t, peak, 3)
	assert.Positive(t, peak)
}

func TestAsyncBus_PublishWaitsForFreeWorker(t *testing.T) {
	bus := NewInMemoryEventBus(Config{AsyncMode: true, WorkerPoolSize: 2})

	release := make(chan struct{})
	var started atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		started.Add(1)
		<-release
		return nil
	}))

	var returned atomic.Int32
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		for i := 0; i < 5; i++ {
			assert.NoError(t, bus.Publish(ended("d")))
			returned.Add(1)
		}
	}()

	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, returned.Load(), "third publish must wait for a worker")
	assert.EqualValues(t, 2, started.Load())

	close(release)
	<-publisherDone
	require.NoError(t, bus.Close())
	assert.EqualValues(t, 5, started.Load())
}

func TestBus_RejectsNil(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultConfig())
	defer bus.Close()

	assert.ErrorIs(t, bus.Subscribe(shared.EventSessionEnded, nil), ErrNilHandler)
	assert.ErrorIs(t, bus.SubscribeAll(nil), ErrNilHandler)
	assert.ErrorIs(t, bus.Publish(nil), ErrNilEvent)
}
