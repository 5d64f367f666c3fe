// Package http exposes the gateway's JSON API: the two data endpoints plus health,
// readiness, liveness and metrics probes.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vtop-hub/vtop-gateway/internal/application/query"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/messaging"
	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/scheduler"
	"github.com/vtop-hub/vtop-gateway/internal/interface/http/handlers"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds each data request, login included.
	RequestTimeout time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	EnableCORS     bool
	AllowedOrigins []string

	// RateLimitPerSecond and RateLimitBurst shape the per-IP limiter (0 = disabled).
	RateLimitPerSecond float64
	RateLimitBurst     int

	// TrustProxyHeaders makes X-Forwarded-For / X-Real-IP the client address.
	TrustProxyHeaders bool

	EnableMetrics bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       150 * time.Second,
		IdleTimeout:        60 * time.Second,
		RequestTimeout:     120 * time.Second,
		MaxBodyBytes:       64 << 10,
		EnableCORS:         true,
		AllowedOrigins:     []string{"*"},
		RateLimitPerSecond: 2,
		RateLimitBurst:     10,
		EnableMetrics:      true,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// InitialDataHandler serves POST /initialdata.
type InitialDataHandler interface {
	Handle(ctx context.Context, q query.GetInitialDataQuery) (*query.InitialData, error)
}

// SemesterDataHandler serves POST /semesterdata.
type SemesterDataHandler interface {
	Handle(ctx context.Context, q query.GetSemesterDataQuery) (*query.SemesterResult, error)
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Len() int
}

// BreakerReporter reports a circuit breaker state.
type BreakerReporter interface {
	BreakerState() string
}

// JobLister reports scheduled job status.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// EventStats reports event bus counters.
type EventStats interface {
	Metrics() messaging.MetricsSnapshot
}

// Dependencies contains everything the handlers need. Nil optional fields disable
// the corresponding output.
type Dependencies struct {
	InitialData  InitialDataHandler
	SemesterData SemesterDataHandler

	Sessions SessionCounter
	Portal   BreakerReporter
	Jobs     JobLister
	Events   EventStats
	Health   *handlers.HealthChecker

	// Pipelines lists the enabled captcha pipelines.
	Pipelines []string

	Version string
	Logger  *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server is the gateway's HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	router     *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	limiter    *ipLimiter
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Health == nil {
		deps.Health = handlers.NewHealthChecker(deps.Version, 0)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 << 10
	}

	s := &Server{
		config:    config,
		deps:      deps,
		router:    http.NewServeMux(),
		logger:    deps.Logger.With(logger.Component("http")),
		startedAt: time.Now(),
	}
	if config.RateLimitPerSecond > 0 {
		s.limiter = newIPLimiter(config.RateLimitPerSecond, config.RateLimitBurst, 10*time.Minute)
	}

	s.setupRoutes()
	s.handler = s.buildMiddlewareChain(s.router)

	s.httpServer = &http.Server{
		Addr:              config.Address(),
		Handler:           s.handler,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /initialdata", s.handleInitialData)
	s.router.HandleFunc("POST /semesterdata", s.handleSemesterData)

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /healthz", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /live", s.handleLive)
	if s.config.EnableMetrics {
		s.router.HandleFunc("GET /metrics", s.handleMetrics)
	}
}

// buildMiddlewareChain wraps the router; the last wrapper runs first.
func (s *Server) buildMiddlewareChain(h http.Handler) http.Handler {
	h = s.recoveryMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.requestIDMiddleware(h)
	if s.limiter != nil {
		h = s.rateLimitMiddleware(h)
	}
	if s.config.EnableCORS {
		h = s.corsMiddleware(h)
	}
	return h
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("http server listening", logger.String("address", ln.Addr().String()))

	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address(), err)
	}
	return s.Serve(ln)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// Uptime returns the time since the server was created or last started.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startedAt)
}
