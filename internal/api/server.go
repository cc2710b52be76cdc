// Package api serves the engine over HTTP with Server-Sent Events for live
// execution streams.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/internal/invoker"
	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

// Engine is the part of the workflow engine the API drives.
type Engine interface {
	CompileJSON(raw []byte) *schema.CompiledPlan
	Execute(ctx context.Context, wf *schema.Workflow, inputs map[string]any, opts schema.ExecuteOptions) (string, error)
	Run(ctx context.Context, wf *schema.Workflow, inputs map[string]any, opts schema.ExecuteOptions) (*schema.ExecutionResult, error)
	GetExecutionResult(ctx context.Context, id string) (*schema.ExecutionResult, error)
	SummarizeLoop(ctx context.Context, id, nodeID string) (*schema.LoopSummary, error)
	Cancel(id string) error
	Pause(id string) error
	Resume(id string) error
	Subscribe(id string, fn func(schema.ExecutionEvent), opts streaming.SubscribeOptions) func()
	Running() []string
	Registry() *invoker.Registry
	Hub() engine.EventHub
}

var _ Engine = (*engine.Engine)(nil)

// History is the persisted view of finished executions.
type History interface {
	ListResults(ctx context.Context, filter store.ResultFilter) ([]*store.ResultSummary, error)
	GetEvents(ctx context.Context, executionID string, since int64) ([]schema.ExecutionEvent, error)
}

// Schedules manages cron jobs.
type Schedules interface {
	AddJob(ctx context.Context, job *store.ScheduledJob) error
	RemoveJob(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// Deps holds the dependencies for the API server. Only Engine is required.
type Deps struct {
	Engine    Engine
	History   History
	Schedules Schedules
	Jobs      store.ScheduledJobLister
	Metrics   http.Handler
	Logger    *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	deps.Logger = deps.Logger.With("component", "api")
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/blocks", s.handleBlocks)
	mux.HandleFunc("POST /api/compile", s.handleCompile)

	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("POST /api/executions", s.handleExecute)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/executions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/executions/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /api/executions/{id}/loops/{node}", s.handleLoopSummary)

	// SSE stream.
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleSSEExecution)

	mux.HandleFunc("GET /api/schedules", s.handleListJobs)
	mux.HandleFunc("POST /api/schedules", s.handleCreateJob)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteJob)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Logger.Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
