package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/blockflow/internal/compiler"
	"github.com/rendis/blockflow/internal/conditions"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/invoker"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

const tracerName = "github.com/rendis/blockflow/internal/engine"

// EventHub is the event stream the engine publishes to. The engine also
// reads back the history of finished runs and forgets it on eviction.
type EventHub interface {
	streaming.EventHub
	History(executionID string) []schema.ExecutionEvent
	Forget(executionID string)
}

// ResultStore persists finished runs. GetResult returns nil, nil for an
// unknown id.
type ResultStore interface {
	SaveResult(ctx context.Context, result *schema.ExecutionResult) error
	GetResult(ctx context.Context, executionID string) (*schema.ExecutionResult, error)
	SaveEvents(ctx context.Context, executionID string, events []schema.ExecutionEvent) error
}

// InputValidator checks run inputs against a JSON Schema document.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// DocumentChecker validates the structure of a workflow document.
type DocumentChecker = compiler.DocumentChecker

// Engine compiles workflows and runs them. All methods are safe for
// concurrent use.
type Engine struct {
	cfg            Config
	logger         *slog.Logger
	hub            EventHub
	store          ResultStore
	inputs         InputValidator
	docs           DocumentChecker
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	validate       *validator.Validate

	registry  *invoker.Registry
	compiler  *compiler.Compiler
	evaluator *conditions.Evaluator
	cel       *expressions.CELEngine
	interp    *expressions.Interpolator

	mu       sync.RWMutex
	runs     map[string]*run
	retained *cache.Cache
	closed   bool
}

// New creates an Engine that sends non-built-in block types to inv. inv may
// be nil, in which case only built-in blocks can run.
func New(inv invoker.BlockInvoker, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:  DefaultConfig(),
		runs: make(map[string]*run),
	}
	for _, o := range opts {
		o(e)
	}
	e.cfg = e.cfg.withDefaults()

	e.validate = validator.New()
	if err := e.validate.Struct(e.cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid engine config: %s", err).WithCause(err)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.hub == nil {
		e.hub = streaming.NewMemoryHub()
	}
	if e.tracerProvider == nil {
		e.tracerProvider = otel.GetTracerProvider()
	}
	e.tracer = e.tracerProvider.Tracer(tracerName)

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create CEL engine: %w", err)
	}
	exprEngine := expressions.NewExprEngine()
	jq := expressions.NewGoJQEngine()
	e.cel = cel
	e.evaluator = conditions.NewEvaluator(cel, exprEngine, expressions.NewJSEngine(0))
	e.interp = expressions.NewInterpolator()

	e.registry = invoker.NewRegistry()
	if err := invoker.RegisterBuiltins(e.registry, jq, exprEngine); err != nil {
		return nil, err
	}
	if inv != nil {
		e.registry.SetFallback(inv)
	}

	copts := []compiler.Option{compiler.WithBlockCheck(e.blockKnown(inv))}
	if e.docs != nil {
		copts = append(copts, compiler.WithDocumentChecker(e.docs))
	}
	e.compiler, err = compiler.New(copts...)
	if err != nil {
		return nil, err
	}

	e.retained = cache.New(e.cfg.RetentionTTL, cleanupInterval(e.cfg.RetentionTTL))
	e.retained.OnEvicted(func(id string, _ any) {
		e.hub.Forget(id)
	})
	return e, nil
}

// blockKnown reports block availability for the compiler. An invoker that
// cannot list its blocks is trusted with any type.
func (e *Engine) blockKnown(inv invoker.BlockInvoker) func(string) bool {
	lister, canList := inv.(interface{ Has(blockType string) bool })
	return func(blockType string) bool {
		if _, err := e.registry.Get(blockType); err == nil {
			return true
		}
		switch {
		case inv == nil:
			return false
		case canList:
			return lister.Has(blockType)
		}
		return true
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return ttl / 4
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Registry exposes the block registry so callers can add handlers.
func (e *Engine) Registry() *invoker.Registry {
	return e.registry
}

// Hub returns the event hub runs publish to.
func (e *Engine) Hub() EventHub {
	return e.hub
}

// Compile validates wf and returns its plan. The plan is never nil.
func (e *Engine) Compile(wf *schema.Workflow) *schema.CompiledPlan {
	return e.compiler.Compile(wf)
}

// CompileJSON decodes and compiles a workflow document.
func (e *Engine) CompileJSON(raw []byte) *schema.CompiledPlan {
	return e.compiler.CompileJSON(raw)
}

// Execute compiles wf and starts it asynchronously, returning the execution
// id. Compile errors and invalid inputs are returned before anything runs.
func (e *Engine) Execute(ctx context.Context, wf *schema.Workflow, inputs map[string]any, opts schema.ExecuteOptions) (string, error) {
	if wf == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	plan := e.Compile(wf)
	if !plan.Valid {
		return "", plan.ToError()
	}
	if len(wf.InputSchema) > 0 && e.inputs != nil {
		if err := e.inputs.ValidateInput(inputs, wf.InputSchema); err != nil {
			return "", err
		}
	}
	return e.ExecutePlan(ctx, plan, inputs, opts)
}

// ExecutePlan starts a previously compiled plan. The plan is not modified and
// may be executed concurrently any number of times.
func (e *Engine) ExecutePlan(ctx context.Context, plan *schema.CompiledPlan, inputs map[string]any, opts schema.ExecuteOptions) (string, error) {
	if plan == nil || !plan.Valid {
		if plan != nil {
			return "", plan.ToError()
		}
		return "", schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}
	if err := e.validate.Struct(opts); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid execute options: %s", err).WithCause(err)
	}
	if opts.ErrorHandling == "" {
		opts.ErrorHandling = e.cfg.ErrorHandling
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.NewString()
	}
	id := opts.ExecutionID

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeConflict, "engine is closed")
	}
	if _, exists := e.runs[id]; exists {
		e.mu.Unlock()
		return "", schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", id)
	}
	if _, exists := e.retained.Get(id); exists {
		e.mu.Unlock()
		return "", schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", id)
	}

	runCtx, cancel := context.WithCancel(logging.WithExecutionID(context.WithoutCancel(ctx), id))
	r := newRun(runCtx, cancel, id, plan, inputs, opts, e.hub)
	e.runs[id] = r
	e.mu.Unlock()

	r.mu.Lock()
	r.instantiateRoot()
	err := r.fsm.Transition(id, schema.RunRunning)
	r.mu.Unlock()
	if err != nil {
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
		cancel()
		return "", err
	}

	logging.LogWith(runCtx, e.logger).Info("execution started",
		"workflow_id", plan.WorkflowID, "error_handling", opts.ErrorHandling)

	go e.drive(r)
	return id, nil
}

// Run executes wf and blocks until it finishes. When ctx ends first the run
// is cancelled and its cancelled result returned.
func (e *Engine) Run(ctx context.Context, wf *schema.Workflow, inputs map[string]any, opts schema.ExecuteOptions) (*schema.ExecutionResult, error) {
	id, err := e.Execute(ctx, wf, inputs, opts)
	if err != nil {
		return nil, err
	}
	res, err := e.Wait(ctx, id)
	if err == nil {
		return res, nil
	}
	_ = e.Cancel(id)
	return e.Wait(context.WithoutCancel(ctx), id)
}

// Wait blocks until the execution is finished or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*schema.ExecutionResult, error) {
	if r := e.lookup(id); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	res, err := e.GetExecutionResult(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return res, nil
}

// Cancel stops a running or paused execution. Pending and running nodes are
// marked skipped and results still in flight are discarded.
func (e *Engine) Cancel(id string) error {
	r := e.lookup(id)
	if r == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", id)
	}
	if err := r.cancelRun(); err != nil {
		return err
	}
	logging.LogWith(r.ctx, e.logger).Info("execution cancelled")
	return nil
}

// Pause holds a running execution before its next node or iteration.
func (e *Engine) Pause(id string) error {
	r := e.lookup(id)
	if r == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fsm.Transition(id, schema.RunPaused); err != nil {
		return err
	}
	r.gate.pause()
	return nil
}

// Resume releases a paused execution.
func (e *Engine) Resume(id string) error {
	r := e.lookup(id)
	if r == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fsm.Transition(id, schema.RunRunning); err != nil {
		return err
	}
	r.gate.resume()
	return nil
}

// GetExecutionResult returns a consistent snapshot of the execution, or nil
// when the id is unknown. Finished runs are served from memory until their
// retention expires, then from the store when one is configured.
func (e *Engine) GetExecutionResult(ctx context.Context, id string) (*schema.ExecutionResult, error) {
	if r := e.lookup(id); r != nil {
		return r.snapshot(), nil
	}
	if v, ok := e.retained.Get(id); ok {
		return v.(*schema.ExecutionResult).Clone(), nil
	}
	if e.store == nil {
		return nil, nil
	}
	res, err := e.store.GetResult(ctx, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load execution %s: %s", id, err).WithCause(err)
	}
	return res, nil
}

// SummarizeLoop condenses the iterations of a loop node of an execution.
func (e *Engine) SummarizeLoop(ctx context.Context, id, nodeID string) (*schema.LoopSummary, error) {
	res, err := e.GetExecutionResult(ctx, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	s := res.SummarizeLoop(nodeID)
	if s == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "loop node %s not found", nodeID).WithNode(nodeID)
	}
	return s, nil
}

// Subscribe delivers the events of one execution to fn in order. With
// Replay set, past events are delivered first. Call the returned function
// to unsubscribe. An id that is neither running nor retained gets no events
// and a no-op unsubscribe.
func (e *Engine) Subscribe(id string, fn func(schema.ExecutionEvent), opts streaming.SubscribeOptions) func() {
	if e.lookup(id) == nil {
		if _, ok := e.retained.Get(id); !ok {
			return func() {}
		}
	}
	return e.hub.Subscribe(id, fn, opts)
}

// Running returns the ids of executions that have not finished.
func (e *Engine) Running() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown rejects new executions, cancels the running ones and waits for
// them to finish or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		_ = r.cancelRun()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close is Shutdown without a deadline.
func (e *Engine) Close() error {
	return e.Shutdown(context.Background())
}

func (e *Engine) lookup(id string) *run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs[id]
}

// drive runs the top-level scope and finalizes the execution.
func (e *Engine) drive(r *run) {
	defer func() {
		if p := recover(); p != nil {
			logging.LogWith(r.ctx, e.logger).Error("execution panicked", "panic", p)
			r.recordError("", "", schema.ErrorKindOrchestration, schema.ErrCodeExecution, fmt.Sprintf("engine panic: %v", p))
			r.halt()
		}
		e.finalize(r)
	}()
	e.runScope(r.ctx, r, r.root)
}

func (e *Engine) finalize(r *run) {
	r.background.Wait()
	_ = r.gate.wait(r.ctx)

	snapshot := r.finish()
	log := logging.LogWith(r.ctx, e.logger)
	log.Info("execution finished",
		"status", snapshot.Status,
		"passed", snapshot.Metrics.PassedSteps,
		"failed", snapshot.Metrics.FailedSteps,
		"skipped", snapshot.Metrics.SkippedSteps)

	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 10*time.Second)
		if err := e.store.SaveResult(ctx, snapshot); err != nil {
			log.Warn("persist execution result", "error", err)
		} else if err := e.store.SaveEvents(ctx, r.id, e.hub.History(r.id)); err != nil {
			log.Warn("persist execution events", "error", err)
		}
		cancel()
	}

	e.retained.Set(r.id, snapshot, e.cfg.RetentionTTL)
	e.mu.Lock()
	delete(e.runs, r.id)
	e.mu.Unlock()
	r.cancel()
	close(r.done)
}
