package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// ResultSummary is the listing view of a stored execution result.
type ResultSummary struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name,omitempty"`
	Status       schema.RunStatus `json:"status"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	TotalSteps   int              `json:"total_steps"`
	PassedSteps  int              `json:"passed_steps"`
	FailedSteps  int              `json:"failed_steps"`
	ErrorCount   int              `json:"error_count"`
}

// ResultFilter narrows ListResults. Results are newest first.
type ResultFilter struct {
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time       `json:"since,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
}

// ScheduledJob runs a workflow document on a cron schedule.
type ScheduledJob struct {
	ID              string               `json:"id"`
	Name            string               `json:"name,omitempty"`
	CronExpression  string               `json:"cron_expression"`
	Workflow        json.RawMessage      `json:"workflow"`
	Inputs          map[string]any       `json:"inputs,omitempty"`
	ErrorHandling   schema.ErrorHandling `json:"error_handling,omitempty"`
	Enabled         bool                 `json:"enabled"`
	LastRunAt       *time.Time           `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time           `json:"next_run_at,omitempty"`
	LastRunStatus   string               `json:"last_run_status,omitempty"`
	LastExecutionID string               `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job. Nil and
// empty fields are left unchanged.
type ScheduledJobUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
