package shared

import "time"

// EventType represents the type of domain event.
type EventType string

// Domain event types.
const (
	// EventLoginCompleted is emitted after every orchestrated login, successful or not.
	EventLoginCompleted EventType = "session.login_completed"

	// EventSessionEnded is emitted when a session leaves the registry.
	EventSessionEnded EventType = "session.ended"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	// Session events use the principal digest, never the principal itself.
	AggregateID() string

	// Payload returns the event data as a map for logging.
	Payload() map[string]any
}

// EventHandler processes one event.
type EventHandler func(Event) error

// EventPublisher is the publishing side of an event bus.
type EventPublisher interface {
	Publish(event Event) error
}

// EventBus routes published events to subscribed handlers.
type EventBus interface {
	EventPublisher
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
	Close() error
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
	}
}

