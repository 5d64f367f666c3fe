package session

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// LOGIN AUDIT
// ══════════════════════════════════════════════════════════════════════════════

// LoginAttempt records one orchestrated login. It never carries credentials; the
// principal appears only as a digest.
type LoginAttempt struct {
	ID              string
	PrincipalDigest string
	Outcome         string
	Pipeline        string
	Submits         int
	Fetches         int
	Duration        time.Duration
	CreatedAt       time.Time
}

// AuditRepository persists login attempts.
type AuditRepository interface {
	// Record stores one attempt.
	Record(ctx context.Context, attempt LoginAttempt) error

	// PruneBefore deletes attempts created before cutoff and returns how many were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
