// Package handlers contains the health checker behind the probe endpoints.
package handlers

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH CHECK TYPES
// ══════════════════════════════════════════════════════════════════════════════

// HealthCheckFunc performs a single check and returns an error if it fails.
type HealthCheckFunc func(ctx context.Context) error

// Pinger is anything with a connectivity check (database pool, cache client).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger.
func PingCheck(p Pinger) HealthCheckFunc {
	return p.Ping
}

// HealthStatus is the aggregated result of every check.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Message   string                 `json:"message,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Message  string `json:"message"`
	Duration string `json:"duration"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH CHECKER
// ══════════════════════════════════════════════════════════════════════════════

// HealthChecker runs every registered check concurrently with a per-check timeout.
type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheckFunc
	startedAt time.Time
	version   string
	timeout   time.Duration
}

// NewHealthChecker creates a checker; timeout <= 0 selects 3s.
func NewHealthChecker(version string, timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthChecker{
		checks:    make(map[string]HealthCheckFunc),
		startedAt: time.Now(),
		version:   version,
		timeout:   timeout,
	}
}

// AddCheck registers a named check, replacing any previous one of the same name.
func (h *HealthChecker) AddCheck(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startedAt)
}

// Check runs every check and aggregates the results.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	status := HealthStatus{
		Healthy:   true,
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    h.Uptime().Round(time.Second).String(),
		Version:   h.version,
		Timestamp: time.Now().UTC(),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, fn := range checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := fn(checkCtx)
			res := CheckResult{
				Healthy:  err == nil,
				Message:  "OK",
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				res.Message = err.Error()
			}

			mu.Lock()
			status.Checks[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for name, res := range status.Checks {
		if !res.Healthy {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)

	switch {
	case len(checks) == 0:
		status.Message = "no checks registered"
	case len(failed) == 0:
		status.Message = "all checks passed"
	default:
		status.Healthy = false
		status.Message = "failing: " + strings.Join(failed, ", ")
	}
	return status
}
