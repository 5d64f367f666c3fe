package query

import (
	"context"
	"fmt"
	"time"

	"github.com/vtop-hub/vtop-gateway/internal/application/command"
	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET INITIAL DATA QUERY
// Logs the caller in (or reuses their session) and loads the profile-level pages:
// profile, grade history, the semester list and fee receipts.
// ══════════════════════════════════════════════════════════════════════════════

// GetInitialDataQuery contains the caller's credentials.
type GetInitialDataQuery struct {
	Credentials session.Credentials
}

// Validate validates the query.
func (q GetInitialDataQuery) Validate() error {
	return q.Credentials.Validate()
}

// InitialData is the result of GetInitialDataQuery.
type InitialData struct {
	StudentID    string
	CSRF         string
	Profile      map[string]string
	GradeHistory []vtop.Table
	SemesterList []vtop.Semester
	FeeReceipts  []vtop.Table
	Session      SessionInfo
	FetchedAt    time.Time
}

// GetInitialDataHandler handles GetInitialDataQuery.
type GetInitialDataHandler struct {
	auth   Authenticator
	logger *logger.Logger
}

// NewGetInitialDataHandler creates a new GetInitialDataHandler.
func NewGetInitialDataHandler(auth Authenticator, log *logger.Logger) *GetInitialDataHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GetInitialDataHandler{auth: auth, logger: log.With(logger.Component("initial-data"))}
}

// Handle executes the query.
func (h *GetInitialDataHandler) Handle(ctx context.Context, q GetInitialDataQuery) (*InitialData, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	auth, err := h.auth.Handle(ctx, command.AuthenticateCommand{Credentials: q.Credentials})
	if err != nil {
		return nil, err
	}

	out := &InitialData{
		StudentID: auth.Auth.StudentID,
		CSRF:      auth.Auth.CSRFToken,
	}

	pages := []pageRequest{
		{path: vtop.PathProfile, extract: func(b []byte) (err error) {
			out.Profile, err = vtop.KeyValues(b)
			return err
		}},
		{path: vtop.PathGradeHistory, extract: func(b []byte) (err error) {
			out.GradeHistory, err = vtop.Tables(b)
			return err
		}},
		{path: vtop.PathSemesterList, extract: func(b []byte) (err error) {
			out.SemesterList, err = vtop.SemesterOptions(b)
			return err
		}},
		{path: vtop.PathFeeReceipts, extract: func(b []byte) (err error) {
			out.FeeReceipts, err = vtop.Tables(b)
			return err
		}},
	}

	if err := fetchPages(ctx, auth, pages); err != nil {
		h.auth.Invalidate(q.Credentials.Username)
		h.logger.Warn("initial data fetch failed",
			logger.Principal(auth.Session.Digest()), logger.Err(err))
		return nil, fmt.Errorf("fetch initial data: %w", err)
	}

	now := time.Now().UTC()
	out.Session = sessionInfo(auth.Info, now)
	out.FetchedAt = now
	return out, nil
}
