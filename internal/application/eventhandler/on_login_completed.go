// Package eventhandler contains the subscribers that turn session events into side
// effects. Handlers are idempotent and never see credentials.
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
// ON LOGIN COMPLETED HANDLER
// Persists one audit row per orchestrated login.
// ═══════════════════════════════════════════════════════════════════════════

// OnLoginCompletedHandler writes login attempts to the audit repository.
type OnLoginCompletedHandler struct {
	repo    session.AuditRepository
	timeout time.Duration
	logger  *logger.Logger
}

// NewOnLoginCompletedHandler creates the handler. timeout bounds each write; zero means 5s.
func NewOnLoginCompletedHandler(repo session.AuditRepository, timeout time.Duration, log *logger.Logger) *OnLoginCompletedHandler {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OnLoginCompletedHandler{
		repo:    repo,
		timeout: timeout,
		logger:  log.With(logger.String("handler", "on_login_completed")),
	}
}

// Handle implements shared.EventHandler.
func (h *OnLoginCompletedHandler) Handle(event shared.Event) error {
	e, ok := event.(session.LoginCompletedEvent)
	if !ok {
		h.logger.Warn("unexpected event", logger.String("event_type", string(event.EventType())))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.repo.Record(ctx, e.Attempt); err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}

	h.logger.Debug("login attempt recorded",
		logger.Principal(e.Attempt.PrincipalDigest),
		logger.Outcome(e.Attempt.Outcome),
	)
	return nil
}
