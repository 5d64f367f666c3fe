// Package messaging implements the in-process event bus that decouples login and
// session lifecycle events from their side effects (audit rows, cache eviction).
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrNilEvent is returned when publishing a nil event.
	ErrNilEvent = errors.New("event cannot be nil")
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for InMemoryEventBus.
type Config struct {
	// AsyncMode runs handlers on a bounded worker pool instead of the publisher's goroutine.
	AsyncMode bool

	// WorkerPoolSize is the number of handlers that may run concurrently in async mode.
	// Publish blocks while every slot is busy.
	WorkerPoolSize int

	// Logger for structured logging.
	Logger *logger.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AsyncMode:      true,
		WorkerPoolSize: 8,
	}
}

// InMemoryEventBus is a single-process implementation of shared.EventBus.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	closed      bool

	asyncMode  bool
	workerPool chan struct{}
	wg         sync.WaitGroup

	logger  *logger.Logger
	metrics *Metrics
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config Config) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 8
	}

	return &InMemoryEventBus{
		handlers:   make(map[shared.EventType][]shared.EventHandler),
		asyncMode:  config.AsyncMode,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		logger:     config.Logger.With(logger.Component("eventbus")),
		metrics:    NewMetrics(),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Debug("subscribed handler", logger.String("event_type", string(eventType)))
	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, handler)
	b.logger.Debug("subscribed global handler")
	return nil
}

// Publish sends an event to all subscribed handlers. In async mode it waits for a free
// worker slot per handler and returns once every handler is scheduled, so at most
// WorkerPoolSize handler goroutines exist. Handler errors are logged and counted, never returned.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}

	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)

	// Counted before the lock is released so Close cannot miss them.
	if b.asyncMode {
		b.wg.Add(len(handlers))
	}
	b.mu.RUnlock()

	b.metrics.RecordPublish(event.EventType())

	if len(handlers) == 0 {
		b.logger.Debug("no handlers for event", logger.String("event_type", string(event.EventType())))
		return nil
	}

	for _, handler := range handlers {
		if b.asyncMode {
			b.workerPool <- struct{}{}
			go b.executeAsync(event, handler)
			continue
		}
		if err := b.execute(event, handler); err != nil {
			b.logHandlerError(event, err)
		}
	}
	return nil
}

// executeAsync runs on a worker slot already taken by Publish.
func (b *InMemoryEventBus) executeAsync(event shared.Event, handler shared.EventHandler) {
	defer b.wg.Done()
	defer func() { <-b.workerPool }()

	if err := b.execute(event, handler); err != nil {
		b.logHandlerError(event, err)
	}
}

func (b *InMemoryEventBus) execute(event shared.Event, handler shared.EventHandler) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		b.metrics.RecordHandlerExecution(event.EventType(), time.Since(start), err == nil)
	}()
	return handler(event)
}

func (b *InMemoryEventBus) logHandlerError(event shared.Event, err error) {
	b.logger.Error("event handler failed",
		logger.String("event_type", string(event.EventType())),
		logger.Principal(event.AggregateID()),
		logger.Err(err),
	)
}

// Close stops accepting events and waits for scheduled handlers to finish.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()

	b.logger.Info("event bus closed")
	return nil
}

// Metrics returns a snapshot of the bus counters.
func (b *InMemoryEventBus) Metrics() MetricsSnapshot {
	return b.metrics.Snapshot()
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics tracks event bus counters.
type Metrics struct {
	mu sync.RWMutex

	published map[shared.EventType]int64

	handlerExecutions    int64
	handlerSuccesses     int64
	handlerFailures      int64
	handlerTotalDuration time.Duration
}

// NewMetrics creates an empty metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{published: make(map[shared.EventType]int64)}
}

// RecordPublish records one published event.
func (m *Metrics) RecordPublish(eventType shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[eventType]++
}

// RecordHandlerExecution records one handler run.
func (m *Metrics) RecordHandlerExecution(_ shared.EventType, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlerExecutions++
	m.handlerTotalDuration += duration
	if success {
		m.handlerSuccesses++
	} else {
		m.handlerFailures++
	}
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := make(map[string]int64, len(m.published))
	var total int64
	for t, n := range m.published {
		byType[string(t)] = n
		total += n
	}

	var avg time.Duration
	if m.handlerExecutions > 0 {
		avg = m.handlerTotalDuration / time.Duration(m.handlerExecutions)
	}

	return MetricsSnapshot{
		Published:         total,
		PublishedByType:   byType,
		HandlerExecutions: m.handlerExecutions,
		HandlerFailures:   m.handlerFailures,
		AverageHandlerMs:  float64(avg) / float64(time.Millisecond),
	}
}

// MetricsSnapshot is a point-in-time copy of the bus counters.
type MetricsSnapshot struct {
	Published         int64            `json:"published"`
	PublishedByType   map[string]int64 `json:"publishedByType"`
	HandlerExecutions int64            `json:"handlerExecutions"`
	HandlerFailures   int64            `json:"handlerFailures"`
	AverageHandlerMs  float64          `json:"averageHandlerMs"`
}
