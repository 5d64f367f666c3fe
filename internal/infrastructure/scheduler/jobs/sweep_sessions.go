// Package jobs contains the gateway's scheduled housekeeping jobs.
package jobs

import (
	"context"
	"time"

	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// SessionSweeper evicts expired sessions.
type SessionSweeper interface {
	Sweep(now time.Time) int
	Now() time.Time
}

// SweepSessionsJob evicts sessions idle longer than the registry's timeout.
type SweepSessionsJob struct {
	registry SessionSweeper
	logger   *logger.Logger
}

// NewSweepSessionsJob creates the job.
func NewSweepSessionsJob(registry SessionSweeper, log *logger.Logger) *SweepSessionsJob {
	if log == nil {
		log = logger.Nop()
	}
	return &SweepSessionsJob{registry: registry, logger: log}
}

// Name implements scheduler.Job.
func (j *SweepSessionsJob) Name() string { return "sweep_sessions" }

// Run evicts expired sessions.
func (j *SweepSessionsJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := j.registry.Sweep(j.registry.Now()); n > 0 {
		j.logger.Info("expired sessions evicted", logger.Int("count", n))
	}
	return nil
}
