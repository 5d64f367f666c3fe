package session

import (
	"time"

	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION EVENTS
// ══════════════════════════════════════════════════════════════════════════════

// LoginCompletedEvent carries the audit record of one orchestrated login.
type LoginCompletedEvent struct {
	shared.BaseEvent
	Attempt LoginAttempt `json:"attempt"`
}

// NewLoginCompletedEvent creates the event for attempt.
func NewLoginCompletedEvent(attempt LoginAttempt) LoginCompletedEvent {
	return LoginCompletedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventLoginCompleted, attempt.PrincipalDigest),
		Attempt:   attempt,
	}
}

// Payload implements shared.Event.
func (e LoginCompletedEvent) Payload() map[string]any {
	return map[string]any{
		"outcome":     e.Attempt.Outcome,
		"pipeline":    e.Attempt.Pipeline,
		"submits":     e.Attempt.Submits,
		"fetches":     e.Attempt.Fetches,
		"duration_ms": e.Attempt.Duration.Milliseconds(),
	}
}

// EndReason says why a session left the registry.
type EndReason string

const (
	// EndExpired: swept after the idle timeout.
	EndExpired EndReason = "expired"

	// EndReplaced: found expired on lookup and replaced by a fresh session.
	EndReplaced EndReason = "replaced"

	// EndInvalidated: dropped after a failed login or downstream failure.
	EndInvalidated EndReason = "invalidated"
)

// SessionEndedEvent is emitted once per session removed from the registry.
type SessionEndedEvent struct {
	shared.BaseEvent
	Reason   EndReason     `json:"reason"`
	Lifetime time.Duration `json:"lifetime"`
}

// NewSessionEndedEvent creates the event for a session identified by its principal digest.
func NewSessionEndedEvent(digest string, reason EndReason, lifetime time.Duration) SessionEndedEvent {
	return SessionEndedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSessionEnded, digest),
		Reason:    reason,
		Lifetime:  lifetime,
	}
}

// Payload implements shared.Event.
func (e SessionEndedEvent) Payload() map[string]any {
	return map[string]any{
		"reason":      string(e.Reason),
		"lifetime_ms": e.Lifetime.Milliseconds(),
	}
}
