package eventhandler

import (
	"context"
	"fmt"
	"time"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON SESSION ENDED HANDLER
// Cached semester data never outlives the session that fetched it.
// ═══════════════════════════════════════════════════════════════════════════

// CacheForgetter drops every cached entry of a principal digest.
type CacheForgetter interface {
	Forget(ctx context.Context, digest string) error
}

// OnSessionEndedHandler evicts a principal's cached portal data.
type OnSessionEndedHandler struct {
	cache   CacheForgetter
	timeout time.Duration
	logger  *logger.Logger
}

// NewOnSessionEndedHandler creates the handler.
func NewOnSessionEndedHandler(cache CacheForgetter, log *logger.Logger) *OnSessionEndedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnSessionEndedHandler{
		cache:   cache,
		timeout: 5 * time.Second,
		logger:  log.With(logger.String("handler", "on_session_ended")),
	}
}

// Handle implements shared.EventHandler.
func (h *OnSessionEndedHandler) Handle(event shared.Event) error {
	e, ok := event.(session.SessionEndedEvent)
	if !ok {
		h.logger.Warn("unexpected event", logger.String("event_type", string(event.EventType())))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.cache.Forget(ctx, e.AggregateID()); err != nil {
		return fmt.Errorf("forget cached semesters: %w", err)
	}

	h.logger.Debug("session cache evicted",
		logger.Principal(e.AggregateID()),
		logger.String("reason", string(e.Reason)),
	)
	return nil
}
