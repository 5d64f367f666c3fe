package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/vtop-hub/vtop-gateway/internal/application/command"
	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET SEMESTER DATA QUERY
// Loads every semester-scoped page for one semester. Results may be served from the
// semester cache, but only after the caller has been authenticated.
// ══════════════════════════════════════════════════════════════════════════════

// SemesterCache stores encoded semester data per (principal digest, semester).
type SemesterCache interface {
	GetSemester(ctx context.Context, digest, semesterID string) ([]byte, bool, error)
	SetSemester(ctx context.Context, digest, semesterID string, payload []byte) error
}

// GetSemesterDataQuery contains credentials and the semester to load.
type GetSemesterDataQuery struct {
	Credentials session.Credentials
	SemesterID  string
}

// Validate validates the query.
func (q GetSemesterDataQuery) Validate() error {
	if err := q.Credentials.Validate(); err != nil {
		return err
	}
	id := strings.TrimSpace(q.SemesterID)
	if id == "" {
		return shared.NewDomainError("query", "GetSemesterData", shared.ErrInvalidInput, "semesterId is required")
	}
	if len(id) > 32 || strings.IndexFunc(id, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	}) >= 0 {
		return shared.NewDomainError("query", "GetSemesterData", shared.ErrInvalidInput, "semesterId is malformed")
	}
	return nil
}

// Attendance holds both attendance views.
type Attendance struct {
	Summary  []vtop.Table `json:"summary"`
	Detailed []vtop.Table `json:"detailed"`
}

// SemesterData is the semester payload; it is what the cache stores.
type SemesterData struct {
	TimeTable    []vtop.Table `json:"timeTable"`
	Attendance   Attendance   `json:"attendance"`
	Marks        []vtop.Table `json:"marks"`
	ExamSchedule []vtop.Table `json:"examSchedule"`
	GradeView    []vtop.Table `json:"gradeView"`
	Assignments  []vtop.Table `json:"assignments"`
}

// SemesterResult is the result of GetSemesterDataQuery.
type SemesterResult struct {
	SemesterID string
	Data       SemesterData
	Cached     bool
	Session    SessionInfo
	FetchedAt  time.Time
}

// GetSemesterDataHandler handles GetSemesterDataQuery.
type GetSemesterDataHandler struct {
	auth   Authenticator
	cache  SemesterCache
	logger *logger.Logger
}

// NewGetSemesterDataHandler creates a new GetSemesterDataHandler. cache may be nil.
func NewGetSemesterDataHandler(auth Authenticator, cache SemesterCache, log *logger.Logger) *GetSemesterDataHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GetSemesterDataHandler{auth: auth, cache: cache, logger: log.With(logger.Component("semester-data"))}
}

// Handle executes the query.
func (h *GetSemesterDataHandler) Handle(ctx context.Context, q GetSemesterDataQuery) (*SemesterResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	semesterID := strings.TrimSpace(q.SemesterID)

	auth, err := h.auth.Handle(ctx, command.AuthenticateCommand{Credentials: q.Credentials})
	if err != nil {
		return nil, err
	}
	digest := auth.Session.Digest()
	log := h.logger.With(logger.Principal(digest), logger.SemesterID(semesterID))

	out := &SemesterResult{SemesterID: semesterID}

	if data, ok := h.cached(ctx, log, digest, semesterID); ok {
		out.Data = *data
		out.Cached = true
	} else {
		if err := fetchPages(ctx, auth, h.pages(semesterID, &out.Data)); err != nil {
			h.auth.Invalidate(q.Credentials.Username)
			log.Warn("semester fetch failed", logger.Err(err))
			return nil, fmt.Errorf("fetch semester data: %w", err)
		}
		h.store(ctx, log, digest, semesterID, &out.Data)
	}

	now := time.Now().UTC()
	out.Session = sessionInfo(auth.Info, now)
	out.FetchedAt = now
	return out, nil
}

func (h *GetSemesterDataHandler) pages(semesterID string, data *SemesterData) []pageRequest {
	params := url.Values{vtop.SemesterParam: {semesterID}}
	tables := func(dst *[]vtop.Table) func([]byte) error {
		return func(b []byte) (err error) {
			*dst, err = vtop.Tables(b)
			return err
		}
	}
	return []pageRequest{
		{path: vtop.PathTimeTable, params: params, extract: tables(&data.TimeTable)},
		{path: vtop.PathAttendance, params: params, extract: tables(&data.Attendance.Summary)},
		{path: vtop.PathAttendanceDetail, params: params, extract: tables(&data.Attendance.Detailed)},
		{path: vtop.PathMarks, params: params, extract: tables(&data.Marks)},
		{path: vtop.PathExamSchedule, params: params, extract: tables(&data.ExamSchedule)},
		{path: vtop.PathGradeView, params: params, extract: tables(&data.GradeView)},
		{path: vtop.PathAssignments, params: params, extract: tables(&data.Assignments)},
	}
}

func (h *GetSemesterDataHandler) cached(ctx context.Context, log *logger.Logger, digest, semesterID string) (*SemesterData, bool) {
	if h.cache == nil {
		return nil, false
	}
	payload, ok, err := h.cache.GetSemester(ctx, digest, semesterID)
	if err != nil {
		log.Warn("semester cache read failed", logger.Err(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var data SemesterData
	if err := json.Unmarshal(payload, &data); err != nil {
		log.Warn("semester cache entry corrupt", logger.Err(err))
		return nil, false
	}
	return &data, true
}

func (h *GetSemesterDataHandler) store(ctx context.Context, log *logger.Logger, digest, semesterID string, data *SemesterData) {
	if h.cache == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		log.Warn("semester cache encode failed", logger.Err(err))
		return
	}
	if err := h.cache.SetSemester(ctx, digest, semesterID, payload); err != nil {
		log.Warn("semester cache write failed", logger.Err(err))
	}
}
