package expressions

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rendis/blockflow/pkg/schema"
)

// DefaultJSTimeout bounds a single script run when ctx carries no deadline.
const DefaultJSTimeout = 2 * time.Second

// JSEngine implements the Engine interface with the goja JavaScript runtime.
// Each evaluation gets a fresh runtime; compiled programs are cached. Scripts
// see the data keys as globals and the value of the last statement is the result.
type JSEngine struct {
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]*goja.Program
}

// NewJSEngine creates a JS engine. A zero timeout uses DefaultJSTimeout.
func NewJSEngine(timeout time.Duration) *JSEngine {
	if timeout <= 0 {
		timeout = DefaultJSTimeout
	}
	return &JSEngine{
		timeout: timeout,
		cache:   make(map[string]*goja.Program),
	}
}

// Name returns the engine identifier.
func (e *JSEngine) Name() string {
	return "js"
}

// Evaluate runs the script. The run is interrupted when ctx is done or the
// engine timeout elapses, whichever comes first.
func (e *JSEngine) Evaluate(ctx context.Context, script string, data map[string]any) (any, error) {
	if script == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty js script")
	}

	prg, err := e.getOrCompile(script)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for k, v := range data {
		if err := vm.Set(k, v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "js: bind %q: %s", k, err.Error()).WithCause(err)
		}
	}

	timer := time.AfterFunc(e.timeout, func() { vm.Interrupt("script timeout") })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	val, err := vm.RunProgram(prg)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "js evaluation failed: %s", err.Error()).
			WithCause(err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

func (e *JSEngine) getOrCompile(script string) (*goja.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[script]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[script]; ok {
		return prg, nil
	}

	prg, err := goja.Compile("condition.js", script, true)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "js compile error: %s", err.Error()).
			WithCause(err)
	}
	e.cache[script] = prg
	return prg, nil
}

var _ Engine = (*JSEngine)(nil)
