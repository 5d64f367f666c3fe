package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vtop-hub/vtop-gateway/internal/application/query"
	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/registry"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST / RESPONSE SHAPES
// ══════════════════════════════════════════════════════════════════════════════

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r credentialsRequest) credentials() session.Credentials {
	return session.Credentials{Username: session.Principal(r.Username), Password: r.Password}
}

type semesterRequest struct {
	credentialsRequest
	SemesterID string `json:"semesterId"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type initialSessionInfo struct {
	IsNewSession bool      `json:"isNewSession"`
	Created      time.Time `json:"created"`
	ExpiresIn    int64     `json:"expiresIn"`
}

type initialDataResponse struct {
	Success        bool               `json:"success"`
	StudentID      string             `json:"studentId"`
	CSRF           string             `json:"csrf"`
	Profile        map[string]string  `json:"profile"`
	GradeHistory   []vtop.Table       `json:"gradeHistory"`
	SemesterList   []vtop.Semester    `json:"semesterList"`
	FeeReceipts    []vtop.Table       `json:"feeReceipts"`
	SessionInfo    initialSessionInfo `json:"sessionInfo"`
	FetchTimestamp time.Time          `json:"fetchTimestamp"`
}

type semesterSessionInfo struct {
	IsNewSession bool      `json:"isNewSession"`
	LastUsed     time.Time `json:"lastUsed"`
	ExpiresIn    int64     `json:"expiresIn"`
}

type semesterDataResponse struct {
	Success        bool                `json:"success"`
	SemesterID     string              `json:"semesterId"`
	Data           query.SemesterData  `json:"data"`
	Cached         bool                `json:"cached"`
	SessionInfo    semesterSessionInfo `json:"sessionInfo"`
	FetchTimestamp time.Time           `json:"fetchTimestamp"`
}

// ══════════════════════════════════════════════════════════════════════════════
// DATA HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleInitialData handles POST /initialdata.
func (s *Server) handleInitialData(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.deps.InitialData.Handle(ctx, query.GetInitialDataQuery{Credentials: req.credentials()})
	if err != nil {
		s.writeError(w, r, session.Principal(req.Username), err)
		return
	}

	writeJSON(w, http.StatusOK, initialDataResponse{
		Success:      true,
		StudentID:    res.StudentID,
		CSRF:         res.CSRF,
		Profile:      res.Profile,
		GradeHistory: res.GradeHistory,
		SemesterList: res.SemesterList,
		FeeReceipts:  res.FeeReceipts,
		SessionInfo: initialSessionInfo{
			IsNewSession: res.Session.IsNewSession,
			Created:      res.Session.Created,
			ExpiresIn:    int64(res.Session.ExpiresIn / time.Second),
		},
		FetchTimestamp: res.FetchedAt,
	})
}

// handleSemesterData handles POST /semesterdata.
func (s *Server) handleSemesterData(w http.ResponseWriter, r *http.Request) {
	var req semesterRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.deps.SemesterData.Handle(ctx, query.GetSemesterDataQuery{
		Credentials: req.credentials(),
		SemesterID:  req.SemesterID,
	})
	if err != nil {
		s.writeError(w, r, session.Principal(req.Username), err)
		return
	}

	writeJSON(w, http.StatusOK, semesterDataResponse{
		Success:    true,
		SemesterID: res.SemesterID,
		Data:       res.Data,
		Cached:     res.Cached,
		SessionInfo: semesterSessionInfo{
			IsNewSession: res.Session.IsNewSession,
			LastUsed:     res.Session.LastUsed,
			ExpiresIn:    int64(res.Session.ExpiresIn / time.Second),
		},
		FetchTimestamp: res.FetchedAt,
	})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.config.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

// decode reads a JSON body into dst, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		msg := "Malformed JSON body"
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			msg = "Request body too large"
		case errors.Is(err, io.EOF):
			msg = "Request body is empty"
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Message: msg, Error: "invalid_input"})
		return false
	}
	return true
}

// writeError maps an error onto the response contract. Only the error code and a
// fixed message leave the process; the principal is logged as a digest.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, p session.Principal, err error) {
	code := shared.Code(err)
	log := logger.FromContextOr(r.Context(), s.logger).With(
		logger.Principal(registry.Digest(p)),
		logger.String("code", code),
	)

	switch {
	case errors.Is(err, shared.ErrCredentials):
		log.Info("request rejected: invalid credentials")
		writeJSON(w, http.StatusUnauthorized, errorResponse{Success: false, Message: "Invalid credentials"})
	case errors.Is(err, shared.ErrInvalidInput):
		log.Debug("request rejected: invalid input", logger.Err(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Message: "Invalid request", Error: code})
	default:
		log.Error("request failed", logger.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Success: false,
			Message: failureMessage(err),
			Error:   code,
		})
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, shared.ErrExhausted):
		return "Login attempts exhausted"
	case errors.Is(err, shared.ErrTransport):
		return "Portal unreachable"
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out"
	default:
		return "Failed to fetch data"
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PROBES
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth reports every dependency check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleReady reports whether requests can be served: at least one captcha pipeline
// is loaded, the portal breaker is not open and dependency checks pass.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	reason := ""
	switch {
	case len(s.deps.Pipelines) == 0:
		reason = "no captcha pipeline loaded"
	case s.deps.Portal != nil && s.deps.Portal.BreakerState() == "open":
		reason = "portal circuit open"
	default:
		if status := s.deps.Health.Check(r.Context()); !status.Healthy {
			reason = status.Message
		}
	}

	if reason != "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive reports that the process is up.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleMetrics serves a JSON snapshot of gateway state.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := map[string]any{
		"uptimeSeconds": int64(s.Uptime() / time.Second),
		"pipelines":     s.deps.Pipelines,
	}
	if s.deps.Sessions != nil {
		m["activeSessions"] = s.deps.Sessions.Len()
	}
	if s.deps.Portal != nil {
		m["portalBreaker"] = s.deps.Portal.BreakerState()
	}
	if s.deps.Jobs != nil {
		m["jobs"] = s.deps.Jobs.Jobs()
	}
	if s.deps.Events != nil {
		m["events"] = s.deps.Events.Metrics()
	}
	if s.limiter != nil {
		m["trackedClients"] = s.limiter.size()
	}
	if s.deps.Version != "" {
		m["version"] = s.deps.Version
	}
	writeJSON(w, http.StatusOK, m)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
