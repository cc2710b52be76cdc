package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/pkg/schema"
)

var ringDoc = json.RawMessage(`{"id":"ring","nodes":[{"id":"start","type":"control.start"},{"id":"end","type":"control.end"}],"edges":[{"source":"start","target":"end"}]}`)

// mockRunner records Execute calls. Runs finish when released, or at once
// when hold is false.
type mockRunner struct {
	mu      sync.Mutex
	calls   []runCall
	err     error
	status  schema.RunStatus
	hold    bool
	release map[string]chan struct{}
}

type runCall struct {
	WorkflowID string
	Inputs     map[string]any
	Opts       schema.ExecuteOptions
}

func newMockRunner() *mockRunner {
	return &mockRunner{status: schema.RunCompleted, release: make(map[string]chan struct{})}
}

func (r *mockRunner) Execute(_ context.Context, wf *schema.Workflow, inputs map[string]any, opts schema.ExecuteOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.calls = append(r.calls, runCall{WorkflowID: wf.ID, Inputs: inputs, Opts: opts})
	id := fmt.Sprintf("exec-%d", len(r.calls))
	ch := make(chan struct{})
	if !r.hold {
		close(ch)
	}
	r.release[id] = ch
	return id, nil
}

func (r *mockRunner) Wait(ctx context.Context, id string) (*schema.ExecutionResult, error) {
	r.mu.Lock()
	ch := r.release[id]
	status := r.status
	r.mu.Unlock()
	select {
	case <-ch:
		return &schema.ExecutionResult{ID: id, Status: status}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *mockRunner) finish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.release[id])
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(t *testing.T, jobs JobStore, runner Runner) *Scheduler {
	t.Helper()
	s := NewScheduler(jobs, runner, slog.Default())
	t.Cleanup(func() { _ = s.Stop(); s.watchers.Wait() })
	return s
}

func dueJob(t *testing.T, jobs JobStore, id string, next *time.Time) {
	t.Helper()
	require.NoError(t, jobs.CreateScheduledJob(context.Background(), &store.ScheduledJob{
		ID:             id,
		CronExpression: "0 * * * *",
		Workflow:       ringDoc,
		Inputs:         map[string]any{"host": "r1"},
		ErrorHandling:  schema.ErrorHandlingContinue,
		Enabled:        true,
		NextRunAt:      next,
		CreatedAt:      time.Now().UTC(),
	}))
}

func ago(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(-d)
	return &t
}

func waitStatus(t *testing.T, jobs JobStore, id, status string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		j, err := jobs.GetScheduledJob(context.Background(), id)
		return err == nil && j.LastRunStatus == status
	}, 2*time.Second, 5*time.Millisecond)
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(t, NewMemoryJobStore(), newMockRunner())
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickRunsDueJobs(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	sched := newTestScheduler(t, jobs, runner)
	dueJob(t, jobs, "job-1", ago(time.Hour))

	assert.Equal(t, 1, sched.Tick(context.Background()))
	require.Equal(t, 1, runner.callCount())

	call := runner.calls[0]
	assert.Equal(t, "ring", call.WorkflowID)
	assert.Equal(t, "r1", call.Inputs["host"])
	assert.Equal(t, schema.ErrorHandlingContinue, call.Opts.ErrorHandling)

	waitStatus(t, jobs, "job-1", "completed")
	got, err := jobs.GetScheduledJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	assert.Equal(t, "exec-1", got.LastExecutionID)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestTickSkipsNotDueAndDisabledJobs(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	sched := newTestScheduler(t, jobs, runner)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	dueJob(t, jobs, "job-future", &future)
	dueJob(t, jobs, "job-disabled", ago(time.Hour))
	require.NoError(t, sched.SetEnabled(ctx, "job-disabled", false))

	assert.Equal(t, 0, sched.Tick(ctx))
	assert.Equal(t, 0, runner.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	sched := newTestScheduler(t, jobs, runner)
	dueJob(t, jobs, "job-nil-next", nil)

	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.callCount())
}

func TestOverlappingRunSkipped(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	runner.hold = true
	sched := newTestScheduler(t, jobs, runner)
	ctx := context.Background()
	dueJob(t, jobs, "job-dedup", ago(time.Hour))

	sched.Tick(ctx)
	require.Equal(t, 1, runner.callCount())
	waitStatus(t, jobs, "job-dedup", StatusRunning)
	assert.True(t, sched.InFlight("job-dedup"))

	// Due again while the first run is still going.
	require.NoError(t, jobs.UpdateScheduledJob(ctx, "job-dedup", store.ScheduledJobUpdate{NextRunAt: ago(time.Minute)}))
	assert.Equal(t, 0, sched.Tick(ctx))
	assert.Equal(t, 1, runner.callCount())

	runner.finish("exec-1")
	waitStatus(t, jobs, "job-dedup", "completed")
	assert.Eventually(t, func() bool { return !sched.InFlight("job-dedup") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, sched.Tick(ctx))
	assert.Equal(t, 2, runner.callCount())
}

func TestFailedRunStatusRecorded(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	runner.status = schema.RunFailed
	sched := newTestScheduler(t, jobs, runner)
	dueJob(t, jobs, "job-failed", ago(time.Hour))

	sched.Tick(context.Background())
	waitStatus(t, jobs, "job-failed", "failed")
}

func TestExecuteErrorRecorded(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	runner.err = assert.AnError
	sched := newTestScheduler(t, jobs, runner)
	dueJob(t, jobs, "job-fail", ago(time.Hour))

	assert.Equal(t, 0, sched.Tick(context.Background()))

	got, err := jobs.GetScheduledJob(context.Background(), "job-fail")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	assert.False(t, sched.InFlight("job-fail"))
}

func TestUndecodableWorkflowRecorded(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	sched := newTestScheduler(t, jobs, runner)
	require.NoError(t, jobs.CreateScheduledJob(context.Background(), &store.ScheduledJob{
		ID: "job-bad", CronExpression: "0 * * * *", Workflow: json.RawMessage(`{"nodes":`),
		Enabled: true,
	}))

	sched.Tick(context.Background())
	assert.Equal(t, 0, runner.callCount())
	got, err := jobs.GetScheduledJob(context.Background(), "job-bad")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
}

func TestMissedRecovery(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	sched := newTestScheduler(t, jobs, runner)
	ctx := context.Background()
	dueJob(t, jobs, "job-missed", ago(2*time.Hour))
	future := time.Now().UTC().Add(time.Hour)
	dueJob(t, jobs, "job-upcoming", &future)

	require.NoError(t, sched.RecoverMissed(ctx))
	assert.Equal(t, 1, runner.callCount())
	waitStatus(t, jobs, "job-missed", "completed")
}

func TestAddJob(t *testing.T) {
	jobs := NewMemoryJobStore()
	fixed := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(jobs, newMockRunner(), nil, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	job := &store.ScheduledJob{CronExpression: "*/15 * * * *", Workflow: ringDoc, Enabled: true}
	require.NoError(t, sched.AddJob(ctx, job))
	assert.NotEmpty(t, job.ID)

	got, err := jobs.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), *got.NextRunAt)
	assert.Equal(t, fixed, got.CreatedAt)

	bad := []*store.ScheduledJob{
		{CronExpression: "not cron", Workflow: ringDoc},
		{CronExpression: "* * * * *"},
		{CronExpression: "* * * * *", Workflow: ringDoc, ErrorHandling: "retry"},
	}
	for _, j := range bad {
		err := sched.AddJob(ctx, j)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	}

	require.NoError(t, sched.RemoveJob(ctx, job.ID))
	_, err = jobs.GetScheduledJob(ctx, job.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestStartStop(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	sched := NewScheduler(jobs, runner, slog.Default(), WithInterval(10*time.Millisecond))
	dueJob(t, jobs, "job-loop", ago(time.Hour))

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	waitStatus(t, jobs, "job-loop", "completed")
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
	assert.Equal(t, 1, runner.callCount())
}

func TestStopReleasesHeldWatchers(t *testing.T) {
	jobs := NewMemoryJobStore()
	runner := newMockRunner()
	runner.hold = true
	sched := NewScheduler(jobs, runner, slog.Default(), WithInterval(time.Hour))
	dueJob(t, jobs, "job-held", ago(time.Hour))

	require.NoError(t, sched.Start(context.Background()))
	assert.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a running job")
	}
	assert.False(t, sched.InFlight("job-held"))
}

func TestSchedulerWithLibSQLStore(t *testing.T) {
	db, err := store.Open(context.Background(), "file:"+t.TempDir()+"/jobs.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runner := newMockRunner()
	sched := newTestScheduler(t, db, runner)
	ctx := context.Background()

	job := &store.ScheduledJob{CronExpression: "0 * * * *", Workflow: ringDoc, Enabled: true, NextRunAt: ago(time.Minute)}
	require.NoError(t, sched.AddJob(ctx, job))

	assert.Equal(t, 1, sched.Tick(ctx))
	waitStatus(t, db, job.ID, "completed")
}
