package expressions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/blockflow/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. It is the
// default language of custom_script conditions and supports let bindings,
// array builtins (filter, map, count, any, all), nil coalescing and pipes.
// Programs also get lines, grep and number for picking apart command output.
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and runs it
// with data as the environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// Programs are compiled without a typed env so a cached program stays valid
// whatever shape the outputs take on later runs.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	opts := append([]expr.Option{expr.AllowUndefinedVariables()}, outputFuncs...)
	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// outputFuncs work on the text form of their first argument:
//
//	lines(s)          non-empty trimmed lines
//	grep(s, pattern)  lines matching a regular expression
//	number(s)         first number in s, error when there is none
var outputFuncs = []expr.Option{
	expr.Function("lines", func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("lines: want 1 argument, got %d", len(params))
		}
		return splitLines(Stringify(params[0])), nil
	}),
	expr.Function("grep", func(params ...any) (any, error) {
		if len(params) != 2 {
			return nil, fmt.Errorf("grep: want 2 arguments, got %d", len(params))
		}
		re, err := regexp.Compile(Stringify(params[1]))
		if err != nil {
			return nil, fmt.Errorf("grep: %w", err)
		}
		matched := []any{}
		for _, l := range splitLines(Stringify(params[0])) {
			if re.MatchString(l.(string)) {
				matched = append(matched, l)
			}
		}
		return matched, nil
	}),
	expr.Function("number", func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("number: want 1 argument, got %d", len(params))
		}
		switch v := params[0].(type) {
		case int:
			return float64(v), nil
		case float64:
			return v, nil
		}
		s := Stringify(params[0])
		m := numberPattern.FindString(s)
		if m == "" {
			return nil, fmt.Errorf("number: no number in %q", s)
		}
		return strconv.ParseFloat(m, 64)
	}),
}

// splitLines returns []any so the result works with expr's array builtins.
func splitLines(s string) []any {
	out := []any{}
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

var _ Engine = (*ExprEngine)(nil)
