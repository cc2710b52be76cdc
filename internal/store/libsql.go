package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/blockflow/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/blockflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Open opens the database at dbPath and applies pending migrations.
func Open(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	s, err := NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return s, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Execution results ---

// SaveResult stores a terminal snapshot, replacing any earlier one.
func (s *LibSQLStore) SaveResult(ctx context.Context, res *schema.ExecutionResult) error {
	if res == nil || res.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "result without id")
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_results
		   (id, workflow_id, workflow_name, status, started_at, completed_at,
		    total_steps, passed_steps, failed_steps, error_count, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, completed_at=excluded.completed_at,
		   total_steps=excluded.total_steps, passed_steps=excluded.passed_steps,
		   failed_steps=excluded.failed_steps, error_count=excluded.error_count,
		   result=excluded.result, saved_at=CURRENT_TIMESTAMP`,
		res.ID, res.WorkflowID, nullStr(res.WorkflowName), string(res.Status),
		nullTime(res.StartedAt), nullTime(res.CompletedAt),
		res.Metrics.TotalSteps, res.Metrics.PassedSteps, res.Metrics.FailedSteps, len(res.Errors),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.ID, err)
	}
	return nil
}

// GetResult returns the stored snapshot, or nil, nil when none exists.
func (s *LibSQLStore) GetResult(ctx context.Context, executionID string) (*schema.ExecutionResult, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM execution_results WHERE id = ?`, executionID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res := &schema.ExecutionResult{}
	if err := json.Unmarshal([]byte(body), res); err != nil {
		return nil, fmt.Errorf("unmarshal result %s: %w", executionID, err)
	}
	return res, nil
}

// ListResults returns summaries of stored results, newest first.
func (s *LibSQLStore) ListResults(ctx context.Context, filter ResultFilter) ([]*ResultSummary, error) {
	query := `SELECT id, workflow_id, workflow_name, status, started_at, completed_at,
	                 total_steps, passed_steps, failed_steps, error_count
	          FROM execution_results`
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "completed_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY completed_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ResultSummary
	for rows.Next() {
		r := &ResultSummary{}
		var name sql.NullString
		var status string
		var started, completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.WorkflowID, &name, &status, &started, &completed,
			&r.TotalSteps, &r.PassedSteps, &r.FailedSteps, &r.ErrorCount); err != nil {
			return nil, err
		}
		r.WorkflowName = name.String
		r.Status = schema.RunStatus(status)
		r.StartedAt = timePtr(started)
		r.CompletedAt = timePtr(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteResult removes a stored result and its event history.
func (s *LibSQLStore) DeleteResult(ctx context.Context, executionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM execution_results WHERE id = ?`, executionID)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "execution", executionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_events WHERE execution_id = ?`, executionID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	inputs, err := marshalMapOrNil(job.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs
		   (id, name, cron_expression, workflow, inputs, error_handling, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, nullStr(job.Name), job.CronExpression, string(job.Workflow), inputs,
		nullStr(string(job.ErrorHandling)), job.Enabled, nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, name, cron_expression, workflow, inputs, error_handling, enabled,
	last_run_at, next_run_at, last_run_status, last_execution_id, created_at`

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastExecutionID != "" {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, update.LastExecutionID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, *filter.Enabled)
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var name, inputs, mode, status, lastExec sql.NullString
	var workflow string
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&job.ID, &name, &job.CronExpression, &workflow, &inputs, &mode, &job.Enabled,
		&lastRun, &nextRun, &status, &lastExec, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Name = name.String
	job.Workflow = json.RawMessage(workflow)
	job.ErrorHandling = schema.ErrorHandling(mode.String)
	job.LastRunAt = timePtr(lastRun)
	job.NextRunAt = timePtr(nextRun)
	job.LastRunStatus = status.String
	job.LastExecutionID = lastExec.String
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &job.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs of job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
