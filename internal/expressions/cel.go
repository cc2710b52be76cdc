package expressions

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/rendis/blockflow/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression Language.
// It evaluates control.condition routing, loop sources and custom_script conditions.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
// Every scope variable is declared as dyn:
//   - previous:   {output, raw_output, status} of the preceding node
//   - variables:  shared run variables plus loop-scoped ones
//   - inputs:     run inputs
//   - nodes:      completed node results keyed by block id
//   - loop:       {item, index} inside a loop body
//   - output, raw_output: the subject of a pass condition
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(scopeVars))
	for _, name := range scopeVars {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return nativeValue(out), nil
}

// nativeValue unwraps CEL lists and maps into plain Go values.
func nativeValue(v ref.Val) any {
	switch v.Type() {
	case types.ListType:
		if native, err := v.ConvertToNative(reflect.TypeOf([]any{})); err == nil {
			return native
		}
	case types.MapType:
		if native, err := v.ConvertToNative(reflect.TypeOf(map[string]any{})); err == nil {
			return native
		}
	}
	return v.Value()
}

// Check compiles an expression without evaluating it.
func (e *CELEngine) Check(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills missing map-valued scope variables with empty maps so
// field selection on them fails as "no such key" rather than on null.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(scopeVars))
	for _, key := range scopeVars {
		v, ok := data[key]
		switch {
		case ok && v != nil:
			activation[key] = v
		case key == VarOutput || key == VarRawOutput:
			activation[key] = nil
		default:
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
