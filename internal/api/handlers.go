package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": len(s.deps.Engine.Running())})
}

func (s *Server) handleBlocks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Registry().List())
}

// handleCompile validates a workflow document without running it. Invalid
// plans are returned with 422 so callers get every finding at once.
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, err.Error())
		return
	}
	plan := s.deps.Engine.CompileJSON(raw)
	status := http.StatusOK
	if !plan.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, plan)
}

type executeRequest struct {
	Workflow schema.Workflow       `json:"workflow"`
	Inputs   map[string]any        `json:"inputs,omitempty"`
	Options  schema.ExecuteOptions `json:"options"`
}

// handleExecute starts a run. With ?wait=true it blocks until the run ends
// and returns the final result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if !decodeBody(w, r, &body) {
		return
	}

	if queryBool(r, "wait") {
		res, err := s.deps.Engine.Run(r.Context(), &body.Workflow, body.Inputs, body.Options)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	id, err := s.deps.Engine.Execute(r.Context(), &body.Workflow, body.Inputs, body.Options)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	s.deps.Logger.Info("execution submitted", "execution_id", id, "workflow_id", body.Workflow.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

// handleListExecutions lists running executions and, with a history store,
// the most recent finished ones.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	running := s.deps.Engine.Running()
	sort.Strings(running)
	out := map[string]any{"running": running}

	if s.deps.History != nil {
		filter := store.ResultFilter{
			WorkflowID: r.URL.Query().Get("workflow_id"),
			Status:     schema.RunStatus(r.URL.Query().Get("status")),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		}
		if since := r.URL.Query().Get("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "since must be RFC 3339")
				return
			}
			filter.Since = &t
		}
		finished, err := s.deps.History.ListResults(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, schema.ErrCodeStore, err.Error())
			return
		}
		out["finished"] = finished
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.deps.Engine.GetExecutionResult(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, schema.ErrCodeNotFound, "execution "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "cancelled", s.deps.Engine.Cancel)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "paused", s.deps.Engine.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resumed", s.deps.Engine.Resume)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, verb string, fn func(string) error) {
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		writeFlowError(w, err)
		return
	}
	s.deps.Logger.Info("execution "+verb, "execution_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "execution_id": id})
}

func (s *Server) handleLoopSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Engine.SummarizeLoop(r.Context(), r.PathValue("id"), r.PathValue("node"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Schedules ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotImplemented, "", "scheduler not configured")
		return
	}
	filter := store.ScheduledJobFilter{Limit: queryInt(r, "limit", 0)}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := queryBool(r, "enabled")
		filter.Enabled = &enabled
	}
	jobs, err := s.deps.Jobs.ListScheduledJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, schema.ErrCodeStore, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*store.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	ID             string               `json:"id,omitempty"`
	Name           string               `json:"name,omitempty"`
	CronExpression string               `json:"cron_expression"`
	Workflow       json.RawMessage      `json:"workflow"`
	Inputs         map[string]any       `json:"inputs,omitempty"`
	ErrorHandling  schema.ErrorHandling `json:"error_handling,omitempty"`
	Enabled        *bool                `json:"enabled,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		writeError(w, http.StatusNotImplemented, "", "scheduler not configured")
		return
	}
	var body createJobRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "cron_expression is required")
		return
	}
	job := &store.ScheduledJob{
		ID:             body.ID,
		Name:           body.Name,
		CronExpression: body.CronExpression,
		Workflow:       body.Workflow,
		Inputs:         body.Inputs,
		ErrorHandling:  body.ErrorHandling,
		Enabled:        body.Enabled == nil || *body.Enabled,
	}
	if err := s.deps.Schedules.AddJob(r.Context(), job); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		writeError(w, http.StatusNotImplemented, "", "scheduler not configured")
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, schema.ErrCodeValidation, "enabled is required")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Schedules.SetEnabled(r.Context(), id, *body.Enabled); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "enabled": *body.Enabled})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		writeError(w, http.StatusNotImplemented, "", "scheduler not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Schedules.RemoveJob(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
