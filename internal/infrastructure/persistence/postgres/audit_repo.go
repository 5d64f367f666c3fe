package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/pkg/circuitbreaker"
	"github.com/vtop-hub/vtop-gateway/pkg/retry"
)

// AuditRepository implements session.AuditRepository on PostgreSQL.
type AuditRepository struct {
	db      Querier
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
}

var _ session.AuditRepository = (*AuditRepository)(nil)

// NewAuditRepository creates a repository on the given connection.
func NewAuditRepository(db Querier, onBreakerChange func(name string, from, to circuitbreaker.State)) *AuditRepository {
	return &AuditRepository{
		db:      db,
		breaker: circuitbreaker.DatabaseBreaker(onBreakerChange),
		retrier: retry.DatabaseRetrier(),
	}
}

// BreakerState reports the database breaker state.
func (r *AuditRepository) BreakerState() string {
	return r.breaker.State().String()
}

func (r *AuditRepository) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.retrier.Do(ctx, func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				return retry.Retryable(err)
			}
			return nil
		})
	})
}

// Record inserts one login attempt.
func (r *AuditRepository) Record(ctx context.Context, a session.LoginAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := r.exec(ctx, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, `
			INSERT INTO login_attempts
				(id, principal_digest, outcome, pipeline, submits, fetches, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			a.ID, a.PrincipalDigest, a.Outcome, a.Pipeline,
			a.Submits, a.Fetches, a.Duration.Milliseconds(), a.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

// PruneBefore deletes attempts older than cutoff.
func (r *AuditRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.exec(ctx, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM login_attempts WHERE created_at < $1`, cutoff)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune login attempts: %w", err)
	}
	return deleted, nil
}
