package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/pkg/schema"
)

// Runner is the part of the engine the scheduler drives.
type Runner interface {
	Execute(ctx context.Context, wf *schema.Workflow, inputs map[string]any, opts schema.ExecuteOptions) (string, error)
	Wait(ctx context.Context, id string) (*schema.ExecutionResult, error)
}

// JobStore persists scheduled jobs. Satisfied by store.Store and MemoryJobStore.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*store.ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Last run statuses recorded besides the terminal run statuses.
const (
	StatusRunning = "running"
	StatusError   = "error"
)

// DefaultInterval is how often the store is polled for due jobs.
const DefaultInterval = 60 * time.Second

// Scheduler polls the job store for due jobs and starts them on the runner.
// A job whose previous run is still in flight is skipped.
type Scheduler struct {
	jobs     JobStore
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	ctx    context.Context

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs whose run has not finished
	watchers   sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler. A nil logger writes text to stderr.
func NewScheduler(jobs JobStore, runner Runner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	s := &Scheduler{
		jobs:     jobs,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger.With("component", "scheduler"),
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob validates and stores a job. Missing ids are generated and the first
// run time is computed from the cron expression.
func (s *Scheduler) AddJob(ctx context.Context, job *store.ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, err := decodeWorkflow(job.Workflow); err != nil {
		return err
	}
	if _, err := schema.ParseErrorHandling(string(job.ErrorHandling)); err != nil {
		return err
	}
	next, err := s.CalculateNextRun(job.CronExpression, s.now())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s: %s", job.ID, err).WithCause(err)
	}
	if job.NextRunAt == nil {
		job.NextRunAt = &next
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	return s.jobs.CreateScheduledJob(ctx, job)
}

// RemoveJob deletes a job. A run already in flight is not cancelled.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	return s.jobs.DeleteScheduledJob(ctx, id)
}

// SetEnabled pauses or re-enables a job.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.jobs.UpdateScheduledJob(ctx, id, store.ScheduledJobUpdate{Enabled: &enabled})
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.ctx = schedCtx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts every enabled job that is due. It returns the number of runs
// started.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	jobs, err := s.jobs.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	started := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			s.logger.Debug("previous run still in flight", slog.String("job_id", job.ID))
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		started++
	}
	return started
}

// runJob starts one run and hands the job to a watcher that records its
// outcome. The in-flight mark is released by the watcher, or here on error.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		s.releaseJob(job.ID)
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	wf, err := decodeWorkflow(job.Workflow)
	if err != nil {
		s.releaseJob(job.ID)
		return s.recordStart(ctx, job.ID, now, nextRun, StatusError, "", err)
	}

	id, err := s.runner.Execute(ctx, wf, job.Inputs, schema.ExecuteOptions{ErrorHandling: job.ErrorHandling})
	if err != nil {
		s.releaseJob(job.ID)
		return s.recordStart(ctx, job.ID, now, nextRun, StatusError, "", err)
	}

	s.logger.Info("scheduled job started",
		slog.String("job_id", job.ID),
		slog.String("execution_id", id),
		slog.Time("next_run_at", nextRun),
	)
	if err := s.recordStart(ctx, job.ID, now, nextRun, StatusRunning, id, nil); err != nil {
		s.logger.Warn("failed to record job start", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}

	s.watchers.Add(1)
	go s.watch(job.ID, id)
	return nil
}

func (s *Scheduler) recordStart(ctx context.Context, jobID string, now, next time.Time, status, execID string, cause error) error {
	updErr := s.jobs.UpdateScheduledJob(ctx, jobID, store.ScheduledJobUpdate{
		LastRunAt:       &now,
		NextRunAt:       &next,
		LastRunStatus:   status,
		LastExecutionID: execID,
	})
	if cause != nil {
		return cause
	}
	return updErr
}

func (s *Scheduler) watch(jobID, execID string) {
	defer s.watchers.Done()
	defer s.releaseJob(jobID)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	res, err := s.runner.Wait(ctx, execID)
	if err != nil {
		s.logger.Warn("stopped waiting for scheduled run",
			slog.String("job_id", jobID),
			slog.String("execution_id", execID),
			slog.String("error", err.Error()),
		)
		return
	}

	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.jobs.UpdateScheduledJob(updCtx, jobID, store.ScheduledJobUpdate{LastRunStatus: string(res.Status)}); err != nil {
		s.logger.Warn("failed to record job status", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("scheduled job finished",
		slog.String("job_id", jobID),
		slog.String("execution_id", execID),
		slog.String("status", string(res.Status)),
	)
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// InFlight reports whether a run of the job has not finished yet.
func (s *Scheduler) InFlight(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, ok := s.inflight[jobID]
	return ok
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the loop and waits for run watchers to return. Runs
// themselves keep going in the engine.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.watchers.Wait()

	s.mu.Lock()
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every enabled job whose next run passed while the
// scheduler was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.jobs.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}

func decodeWorkflow(raw json.RawMessage) (*schema.Workflow, error) {
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled job has no workflow")
	}
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow: %s", err).WithCause(err)
	}
	return &wf, nil
}
