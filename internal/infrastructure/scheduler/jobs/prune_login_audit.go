package jobs

import (
	"context"
	"time"

	"github.com/vtop-hub/vtop-gateway/internal/domain/session"
	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// PruneLoginAuditJob deletes login attempts older than the retention window.
type PruneLoginAuditJob struct {
	repo      session.AuditRepository
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *logger.Logger
}

// NewPruneLoginAuditJob creates the job. retention <= 0 selects 30 days.
func NewPruneLoginAuditJob(repo session.AuditRepository, retention time.Duration, log *logger.Logger) *PruneLoginAuditJob {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PruneLoginAuditJob{
		repo:      repo,
		retention: retention,
		timeout:   time.Minute,
		now:       time.Now,
		logger:    log,
	}
}

// Name implements scheduler.Job.
func (j *PruneLoginAuditJob) Name() string { return "prune_login_audit" }

// Run deletes attempts created before now minus the retention window.
func (j *PruneLoginAuditJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	n, err := j.repo.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("login audit pruned",
			logger.Int64("deleted", n),
			logger.Time("cutoff", cutoff),
		)
	}
	return nil
}
