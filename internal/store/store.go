package store

import (
	"context"

	"github.com/rendis/blockflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Execution results (terminal snapshots)
	SaveResult(ctx context.Context, result *schema.ExecutionResult) error
	GetResult(ctx context.Context, executionID string) (*schema.ExecutionResult, error)
	ListResults(ctx context.Context, filter ResultFilter) ([]*ResultSummary, error)
	DeleteResult(ctx context.Context, executionID string) error

	// Event history (append-only)
	SaveEvents(ctx context.Context, executionID string, events []schema.ExecutionEvent) error
	AppendEvent(ctx context.Context, event schema.ExecutionEvent) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]schema.ExecutionEvent, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ScheduledJobLister is the read side of scheduled jobs.
type ScheduledJobLister interface {
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
}
