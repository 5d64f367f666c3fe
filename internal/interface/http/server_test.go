package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtop-hub/vtop-gateway/internal/application/query"
	"github.com/vtop-hub/vtop-gateway/internal/domain/shared"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/messaging"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/scheduler"
	"github.com/vtop-hub/vtop-gateway/internal/interface/http/handlers"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

const testPassword = "s3cret-pass"

type stubInitial struct {
	res *query.InitialData
	err error
	got query.GetInitialDataQuery
}

func (s *stubInitial) Handle(_ context.Context, q query.GetInitialDataQuery) (*query.InitialData, error) {
	s.got = q
	return s.res, s.err
}

type stubSemester struct {
	res *query.SemesterResult
	err error
	got query.GetSemesterDataQuery
}

func (s *stubSemester) Handle(_ context.Context, q query.GetSemesterDataQuery) (*query.SemesterResult, error) {
	s.got = q
	return s.res, s.err
}

type stubState struct {
	sessions int
	breaker  string
}

func (s stubState) Len() int { return s.sessions }
func (s stubState) BreakerState() string { return s.breaker }
func (s stubState) Jobs() []scheduler.JobInfo {
	return []scheduler.JobInfo{{Name: "sweep_sessions", Schedule: "@every 1m0s"}}
}
func (s stubState) Metrics() messaging.MetricsSnapshot {
	return messaging.MetricsSnapshot{Published: 7, PublishedByType: map[string]int64{"session.ended": 7}}
}

func newTestServer(t *testing.T, initial *stubInitial, semester *stubSemester, mutate func(*Config, *Dependencies)) http.Handler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 0
	deps := Dependencies{
		InitialData:  initial,
		SemesterData: semester,
		Sessions:     stubState{sessions: 3},
		Portal:       stubState{breaker: "closed"},
		Jobs:         stubState{},
		Events:       stubState{},
		Pipelines:    []string{"template", "linear"},
		Version:      "test",
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	return NewServer(cfg, deps).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// DATA ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

func TestInitialData_Success(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	initial := &stubInitial{res: &query.InitialData{
		StudentID:    "S-1",
		CSRF:         "tok",
		Profile:      map[string]string{"Name": "Jane"},
		SemesterList: []vtop.Semester{{ID: "VL2024", Name: "Fall 2024"}},
		Session: query.SessionInfo{
			IsNewSession: true,
			Created:      created,
			ExpiresIn:    90 * time.Second,
		},
		FetchedAt: created,
	}}
	h := newTestServer(t, initial, &stubSemester{}, nil)

	rec := do(t, h, http.MethodPost, "/initialdata", `{"username":"21BCE0001","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "S-1", body["studentId"])
	assert.Equal(t, "tok", body["csrf"])
	info := body["sessionInfo"].(map[string]any)
	assert.Equal(t, true, info["isNewSession"])
	assert.Equal(t, float64(90), info["expiresIn"])
	assert.Contains(t, body, "fetchTimestamp")
	assert.Contains(t, body, "gradeHistory")

	assert.Equal(t, "21BCE0001", string(initial.got.Credentials.Username))
	assert.Equal(t, testPassword, initial.got.Credentials.Password)
}

func TestInitialData_InvalidCredentials(t *testing.T) {
	initial := &stubInitial{err: shared.WrapError("login", "Submit", shared.ErrCredentials, "rejected", nil)}
	h := newTestServer(t, initial, &stubSemester{}, nil)

	rec := do(t, h, http.MethodPost, "/initialdata", `{"username":"21BCE0001","password":"`+testPassword+`"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Invalid credentials", body["message"])
	assert.NotContains(t, rec.Body.String(), testPassword)
}

func TestInitialData_InternalFailure(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		code    string
		message string
	}{
		{"exhausted", shared.WrapError("login", "AttemptLogin", shared.ErrExhausted, "cycles", nil), "login_exhausted", "Login attempts exhausted"},
		{"transport", shared.WrapError("vtop", "GET", shared.ErrTransport, "request failed", nil), "portal_unreachable", "Portal unreachable"},
		{"unknown", errors.New("boom " + testPassword), "internal_error", "Failed to fetch data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubInitial{err: tt.err}, &stubSemester{}, nil)
			rec := do(t, h, http.MethodPost, "/initialdata", `{"username":"u1","password":"`+testPassword+`"}`)
			require.Equal(t, http.StatusInternalServerError, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.code, body["error"])
			assert.Equal(t, tt.message, body["message"])
			assert.NotContains(t, rec.Body.String(), testPassword)
		})
	}
}

func TestInitialData_BadRequest(t *testing.T) {
	h := newTestServer(t, &stubInitial{err: shared.NewDomainError("session", "Validate", shared.ErrInvalidInput, "username is required")}, &stubSemester{}, func(c *Config, _ *Dependencies) {
		c.MaxBodyBytes = 64
	})

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"username":`},
		{"empty", ``},
		{"too large", `{"username":"` + strings.Repeat("x", 100) + `"}`},
		{"validation", `{"username":"","password":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/initialdata", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, decodeBody(t, rec)["success"])
		})
	}
}

func TestSemesterData_Success(t *testing.T) {
	lastUsed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	semester := &stubSemester{res: &query.SemesterResult{
		SemesterID: "VL2024",
		Data: query.SemesterData{
			Marks: []vtop.Table{{Headers: []string{"Course"}, Rows: [][]string{{"CSE1001"}}}},
		},
		Cached:    true,
		Session:   query.SessionInfo{LastUsed: lastUsed, ExpiresIn: 30 * time.Minute},
		FetchedAt: lastUsed,
	}}
	h := newTestServer(t, &stubInitial{}, semester, nil)

	rec := do(t, h, http.MethodPost, "/semesterdata",
		`{"username":"21BCE0001","password":"`+testPassword+`","semesterId":"VL2024"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "VL2024", body["semesterId"])
	assert.Equal(t, true, body["cached"])
	data := body["data"].(map[string]any)
	assert.Contains(t, data, "attendance")
	assert.Contains(t, data, "timeTable")
	info := body["sessionInfo"].(map[string]any)
	assert.Equal(t, float64(1800), info["expiresIn"])
	assert.Equal(t, "VL2024", semester.got.SemesterID)
}

func TestDataEndpoints_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, &stubInitial{}, &stubSemester{}, nil)
	rec := do(t, h, http.MethodGet, "/initialdata", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROBES
// ══════════════════════════════════════════════════════════════════════════════

func TestProbes(t *testing.T) {
	h := newTestServer(t, &stubInitial{}, &stubSemester{}, nil)

	rec := do(t, h, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["activeSessions"])
	assert.Equal(t, "closed", body["portalBreaker"])
	assert.Len(t, body["jobs"], 1)
	events := body["events"].(map[string]any)
	assert.Equal(t, float64(7), events["published"])
}

func TestReady_NotReady(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config, *Dependencies)
		reason string
	}{
		{"no pipelines", func(_ *Config, d *Dependencies) { d.Pipelines = nil }, "no captcha pipeline loaded"},
		{"breaker open", func(_ *Config, d *Dependencies) { d.Portal = stubState{breaker: "open"} }, "portal circuit open"},
		{"failing check", func(_ *Config, d *Dependencies) {
			d.Health = handlers.NewHealthChecker("", time.Second)
			d.Health.AddCheck("database", func(context.Context) error { return errors.New("down") })
		}, "failing: database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubInitial{}, &stubSemester{}, tt.mutate)
			rec := do(t, h, http.MethodGet, "/ready", "")
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Equal(t, tt.reason, decodeBody(t, rec)["reason"])
		})
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, &stubInitial{}, &stubSemester{}, func(c *Config, _ *Dependencies) {
		c.RateLimitPerSecond = 0.001
		c.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/live", "").Code)
	}
	rec := do(t, h, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestIPLimiter_ForgetsIdleClients(t *testing.T) {
	l := newIPLimiter(1, 1, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, l.Allow("10.0.0.1", now))
	assert.False(t, l.Allow("10.0.0.1", now))
	assert.True(t, l.Allow("10.0.0.2", now))
	assert.Equal(t, 2, l.size())

	later := now.Add(2 * time.Minute)
	assert.True(t, l.Allow("10.0.0.3", later))
	assert.Equal(t, 1, l.size())
}

func TestRecovery(t *testing.T) {
	h := newTestServer(t, &stubInitial{}, &stubSemester{}, func(_ *Config, d *Dependencies) {
		d.InitialData = panicking{}
	})
	rec := do(t, h, http.MethodPost, "/initialdata", `{"username":"u","password":"p"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeBody(t, rec)["error"])
}

type panicking struct{}

func (panicking) Handle(context.Context, query.GetInitialDataQuery) (*query.InitialData, error) {
	panic("handler bug")
}

func TestRequestID_Propagated(t *testing.T) {
	h := newTestServer(t, &stubInitial{}, &stubSemester{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestCORS_Preflight(t *testing.T) {
	h := newTestServer(t, &stubInitial{}, &stubSemester{}, func(c *Config, _ *Dependencies) {
		c.AllowedOrigins = []string{"https://app.example.edu"}
	})
	req := httptest.NewRequest(http.MethodOptions, "/initialdata", nil)
	req.Header.Set("Origin", "https://app.example.edu")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.edu", rec.Header().Get("Access-Control-Allow-Origin"))
}
