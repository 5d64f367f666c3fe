// Package scheduler runs the gateway's periodic housekeeping jobs: evicting idle
// sessions and pruning the login audit log.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vtop-hub/vtop-gateway/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job is one unit of periodic work.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. The context is cancelled when the scheduler stops.
	Run(ctx context.Context) error
}

// Schedule defines when a job should run.
type Schedule interface {
	// Next returns the next run time after t.
	Next(t time.Time) time.Time

	String() string
}

// JobResult describes one execution.
type JobResult struct {
	JobName   string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Success reports whether the run returned no error.
func (r JobResult) Success() bool { return r.Err == nil }

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrNilSchedule             = errors.New("schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrJobNotFound             = errors.New("job not found")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the Scheduler.
type Config struct {
	// Tick is how often due jobs are checked. Default: 1s.
	Tick time.Duration

	// Logger for structured logging. Default: no-op.
	Logger *logger.Logger
}

type scheduledJob struct {
	job      Job
	schedule Schedule
	nextRun  time.Time
	running  bool
	runs     int64
	failures int64
	last     *JobResult
}

// Scheduler runs registered jobs on their schedules. A job never overlaps itself:
// a run that is still in progress when the job comes due again is skipped.
type Scheduler struct {
	mu      sync.Mutex
	tick    time.Duration
	logger  *logger.Logger
	jobs    map[string]*scheduledJob
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Scheduler{
		tick:   cfg.Tick,
		logger: cfg.Logger.With(logger.Component("scheduler")),
		jobs:   make(map[string]*scheduledJob),
	}
}

// Register adds a job. The first run happens one schedule step after registration.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}
	sj := &scheduledJob{job: job, schedule: schedule, nextRun: schedule.Next(time.Now())}
	s.jobs[name] = sj

	s.logger.Info("job registered",
		logger.String("job", name),
		logger.String("schedule", schedule.String()),
		logger.Time("next_run", sj.nextRun),
	)
	return nil
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("scheduler started", logger.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.dispatch(ctx, now)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sj := range s.jobs {
		if sj.running || now.Before(sj.nextRun) {
			continue
		}
		sj.running = true
		sj.nextRun = sj.schedule.Next(now)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.record(sj, s.execute(ctx, sj.job))
		}()
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) (result JobResult) {
	result = JobResult{JobName: job.Name(), StartedAt: time.Now()}
	defer func() {
		if p := recover(); p != nil {
			result.Err = fmt.Errorf("job panicked: %v", p)
		}
		result.Duration = time.Since(result.StartedAt)

		if result.Err != nil {
			s.logger.Error("job failed",
				logger.String("job", result.JobName),
				logger.Latency(result.Duration),
				logger.Err(result.Err),
			)
			return
		}
		s.logger.Debug("job completed",
			logger.String("job", result.JobName),
			logger.Latency(result.Duration),
		)
	}()

	result.Err = job.Run(ctx)
	return result
}

func (s *Scheduler) record(sj *scheduledJob, result JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj.running = false
	sj.runs++
	if result.Err != nil {
		sj.failures++
	}
	sj.last = &result
}

// RunNow executes a job immediately, outside its schedule, on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobResult, error) {
	s.mu.Lock()
	sj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	result := s.execute(ctx, sj.job)

	s.mu.Lock()
	sj.runs++
	if result.Err != nil {
		sj.failures++
	}
	sj.last = &result
	s.mu.Unlock()

	return result, result.Err
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo is a snapshot of one registered job.
type JobInfo struct {
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	NextRun    time.Time  `json:"nextRun"`
	Runs       int64      `json:"runs"`
	Failures   int64      `json:"failures"`
	LastResult *JobResult `json:"-"`
}

// Jobs returns a snapshot of every registered job, sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		out = append(out, JobInfo{
			Name:       name,
			Schedule:   sj.schedule.String(),
			NextRun:    sj.nextRun,
			Runs:       sj.runs,
			Failures:   sj.failures,
			LastResult: sj.last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
