package invoker

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// Namespace is a group of handlers registered under "<Prefix>.<type>".
type Namespace struct {
	Prefix   string
	Handlers []Handler
}

// Builtins returns the handlers for the block types every engine provides.
// Control blocks other than start and end are run by the engine itself.
func Builtins(jq *expressions.GoJQEngine, expr *expressions.ExprEngine) []Namespace {
	return []Namespace{
		{Prefix: "control", Handlers: []Handler{
			Func("start", "Workflow entry point", passthrough),
			Func("end", "Workflow exit point", passthrough),
		}},
		{Prefix: "variable", Handlers: []Handler{
			&variableSet{expr: expr},
			&variableExtract{jq: jq},
		}},
		{Prefix: "analysis", Handlers: []Handler{
			Func("output_interpreter", "Judge the previous block's output with a pass condition", passthrough),
		}},
		{Prefix: "debug", Handlers: []Handler{
			Func("echo", "Return params.message; fail when params.fail is true", echo),
		}},
	}
}

// RegisterBuiltins registers Builtins into r.
func RegisterBuiltins(r *Registry, jq *expressions.GoJQEngine, expr *expressions.ExprEngine) error {
	for _, ns := range Builtins(jq, expr) {
		if _, err := r.RegisterNamespace(ns.Prefix, ns.Handlers); err != nil {
			return err
		}
	}
	return nil
}

func passthrough(_ context.Context, params map[string]any) (Outcome, error) {
	in := params["input"]
	return Succeeded(in, rawOf(params, "raw_input", in)), nil
}

func echo(ctx context.Context, params map[string]any) (Outcome, error) {
	if d, ok := params["sleep"].(string); ok && d != "" {
		dur, err := time.ParseDuration(d)
		if err != nil {
			return Outcome{}, schema.NewErrorf(schema.ErrCodeValidation, "debug.echo: invalid sleep %q", d)
		}
		select {
		case <-time.After(dur):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
	if fail, _ := params["fail"].(bool); fail {
		msg, _ := params["error"].(string)
		if msg == "" {
			msg = "echo failure requested"
		}
		return Failed(schema.ErrCodeInvocationFailed, msg), nil
	}
	msg := params["message"]
	return Succeeded(msg, expressions.Stringify(msg)), nil
}

// rawOf returns params[key] when it is a non-empty string, else the text form of fallback.
func rawOf(params map[string]any, key string, fallback any) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return expressions.Stringify(fallback)
}

// variableSet writes variables. Accepted shapes:
//
//	{"name": "x", "value": ...}
//	{"name": "x", "expression": "expr source"}
//	{"values": {"x": ..., "y": ...}}
type variableSet struct {
	expr *expressions.ExprEngine
}

func (v *variableSet) Type() string { return "set" }

func (v *variableSet) Describe() BlockInfo {
	return BlockInfo{Type: v.Type(), Description: "Assign run variables"}
}

func (v *variableSet) Invoke(ctx context.Context, params map[string]any) (Outcome, error) {
	assign := make(map[string]any)
	if values, ok := params["values"].(map[string]any); ok {
		for k, val := range values {
			assign[k] = val
		}
	}

	if name, ok := params["name"].(string); ok && name != "" {
		switch {
		case params["expression"] != nil:
			src, _ := params["expression"].(string)
			if v.expr == nil {
				return Outcome{}, schema.NewError(schema.ErrCodeExecution, "variable.set: expression engine not configured")
			}
			data, _ := params["scope"].(map[string]any)
			val, err := v.expr.Evaluate(ctx, src, data)
			if err != nil {
				return Outcome{}, err
			}
			assign[name] = val
		default:
			assign[name] = params["value"]
		}
	}

	if len(assign) == 0 {
		return Outcome{}, schema.NewError(schema.ErrCodeValidation, "variable.set requires name or values")
	}
	out := Succeeded(assign, expressions.Stringify(assign))
	out.Variables = assign
	return out, nil
}

// variableExtract pulls a value out of params.source with a jq query or a
// regex pattern and stores it under params.name.
type variableExtract struct {
	jq *expressions.GoJQEngine
}

func (v *variableExtract) Type() string { return "extract" }

func (v *variableExtract) Describe() BlockInfo {
	return BlockInfo{Type: v.Type(), Description: "Extract a value from the previous output into a variable"}
}

func (v *variableExtract) Invoke(ctx context.Context, params map[string]any) (Outcome, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return Outcome{}, schema.NewError(schema.ErrCodeValidation, "variable.extract requires name")
	}
	source := params["source"]

	var val any
	switch {
	case params["query"] != nil:
		query, _ := params["query"].(string)
		if v.jq == nil {
			return Outcome{}, schema.NewError(schema.ErrCodeExecution, "variable.extract: jq engine not configured")
		}
		res, err := v.jq.Query(ctx, query, source)
		if err != nil {
			return Outcome{}, err
		}
		val = res
	case params["pattern"] != nil:
		pattern, _ := params["pattern"].(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Outcome{}, schema.NewErrorf(schema.ErrCodeValidation, "variable.extract: invalid pattern: %s", err)
		}
		m := re.FindStringSubmatch(expressions.Stringify(source))
		if m == nil {
			return Failed(schema.ErrCodeExecution, fmt.Sprintf("pattern /%s/ did not match", pattern)), nil
		}
		val = m[0]
		if len(m) > 1 {
			val = m[1]
		}
	default:
		val = source
	}

	out := Succeeded(val, expressions.Stringify(val))
	out.Variables = map[string]any{name: val}
	return out, nil
}
