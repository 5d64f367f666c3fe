package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
)

type fakeSweeper struct {
	now   time.Time
	swept []time.Time
}

func (f *fakeSweeper) Sweep(now time.Time) int {
	f.swept = append(f.swept, now)
	return 2
}

func (f *fakeSweeper) Now() time.Time { return f.now }

type fakeAudit struct {
	cutoff time.Time
	err    error
}

func (f *fakeAudit) Record(context.Context, session.LoginAttempt) error { return nil }

func (f *fakeAudit) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

func TestSweepSessionsJob(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	sweeper := &fakeSweeper{now: now}
	job := NewSweepSessionsJob(sweeper, nil)

	assert.Equal(t, "sweep_sessions", job.Name())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []time.Time{now}, sweeper.swept)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, job.Run(ctx), context.Canceled)
	assert.Len(t, sweeper.swept, 1)
}

func TestPruneLoginAuditJob(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeAudit{}
	job := NewPruneLoginAuditJob(repo, 0, nil)
	job.now = func() time.Time { return now }

	assert.Equal(t, "prune_login_audit", job.Name())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, now.Add(-30*24*time.Hour), repo.cutoff)

	repo.err = errors.New("connection refused")
	assert.Error(t, job.Run(context.Background()))
}
