package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: LOGIN ATTEMPTS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS login_attempts (
    id UUID PRIMARY KEY,
    principal_digest VARCHAR(32) NOT NULL,
    outcome VARCHAR(40) NOT NULL,
    pipeline VARCHAR(20) NOT NULL DEFAULT '',
    submits INTEGER NOT NULL DEFAULT 0,
    fetches INTEGER NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_counts CHECK (submits >= 0 AND fetches >= 0 AND duration_ms >= 0)
);

CREATE INDEX IF NOT EXISTS idx_login_attempts_principal_created
    ON login_attempts(principal_digest, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_login_attempts_created_at
    ON login_attempts(created_at);
`

const migration001Down = `
DROP TABLE IF EXISTS login_attempts;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// Migrations returns every migration in version order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create login_attempts",
			Up:          migration001Up,
			Down:        migration001Down,
		},
	}
}

// Migrator applies migrations and tracks them in schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

// NewMigrator creates a migrator for the given migrations.
func NewMigrator(conn *Connection, migrations []Migration) *Migrator {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Migrator{conn: conn, migrations: sorted}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", ErrMigrationFailed, err)
	}
	return nil
}

// Applied returns the applied versions.
func (m *Migrator) Applied(ctx context.Context) (map[int]time.Time, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.conn.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("%w: list applied: %v", ErrMigrationFailed, err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var (
			version int
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("%w: scan applied: %v", ErrMigrationFailed, err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// Migrate applies every pending migration, each in its own transaction, and returns
// how many were applied.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}

		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
				mig.Version, mig.Description)
			return err
		})
		if err != nil {
			return count, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		count++
	}
	return count, nil
}

// Rollback reverts the most recently applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if _, ok := applied[mig.Version]; !ok {
			continue
		}
		return m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.Down); err != nil {
				return fmt.Errorf("%w: rollback %d: %v", ErrMigrationFailed, mig.Version, err)
			}
			_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.Version)
			return err
		})
	}
	return nil
}
