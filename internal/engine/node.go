package engine

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/blockflow/internal/conditions"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/invoker"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/pkg/schema"
)

// runScope executes the levels of fr's scope. Nodes of a level run one after
// another; a node whose predecessors failed or were not taken is skipped.
func (e *Engine) runScope(ctx context.Context, r *run, fr *frame) {
	for _, level := range r.plan.LevelsOf(fr.key) {
		for _, id := range level {
			if err := r.gate.wait(ctx); err != nil {
				return
			}
			if ctx.Err() != nil || r.stopped() {
				return
			}
			n := fr.nodes[id]
			if ok, reason := r.ready(fr, id); !ok {
				r.skip(fr, n, reason)
				continue
			}
			e.executeNode(ctx, r, fr, id)
		}
	}
}

// executeNode runs one node and records its outcome.
func (e *Engine) executeNode(ctx context.Context, r *run, fr *frame, id string) {
	node := r.plan.Nodes[id]
	n := fr.nodes[id]
	if !r.begin(fr, n) {
		return
	}

	ctx = logging.WithNode(ctx, n.ID, node.Type)
	ctx, span := e.tracer.Start(ctx, "blockflow.node", trace.WithAttributes(
		attribute.String("blockflow.execution.id", r.id),
		attribute.String("blockflow.node.id", n.ID),
		attribute.String("blockflow.block.id", node.ID),
		attribute.String("blockflow.block.type", node.Type),
	))
	defer span.End()

	var oc nodeOutcome
	switch node.Type {
	case schema.BlockCondition:
		oc = e.runCondition(ctx, r, fr, node, n)
	case schema.BlockLoop:
		oc = e.runLoop(ctx, r, fr, node, n)
	case schema.BlockParallel:
		oc = e.runParallel(ctx, r, fr, node, n)
	case schema.BlockDelay, schema.BlockWait:
		oc = e.runDelay(ctx, r, fr, node, n)
	default:
		oc = e.invokeNode(ctx, r, fr, node, n)
	}

	status := schema.DeriveStatus(oc.state, oc.verdict)
	span.SetAttributes(attribute.String("blockflow.node.status", string(status)))
	if status == schema.StatusFailed {
		msg := "failed"
		if len(oc.errs) > 0 {
			msg = oc.errs[0].Message
		}
		span.SetStatus(codes.Error, msg)
	}
	logging.LogWith(ctx, e.logger).Debug("node finished", "status", status)

	r.complete(fr, n, oc)
}

// prepare builds the node's scope and resolves its parameters. Unresolved
// placeholders are kept literally and reported in the returned logs.
func (e *Engine) prepare(r *run, fr *frame, node *schema.Node, n *schema.ExecutionNode) (*expressions.Scope, map[string]any, []string) {
	scope := r.scopeFor(fr, node.ID)
	params, unresolved := e.interp.Resolve(withDefaultParams(node), scope)
	if params == nil {
		params = map[string]any{}
	}

	var logs []string
	for _, path := range unresolved {
		msg := "unresolved placeholder {{" + path + "}} left as literal text"
		logs = append(logs, msg)
		r.logf(fr, n, "warn", "%s", msg)
	}
	return scope, params, logs
}

// withDefaultParams copies the node parameters, adding the implicit inputs
// of the analysis and extraction blocks.
func withDefaultParams(node *schema.Node) map[string]any {
	params := make(map[string]any, len(node.Parameters)+2)
	for k, v := range node.Parameters {
		params[k] = v
	}
	switch node.Type {
	case schema.BlockOutputInterpreter:
		if _, ok := params["input"]; !ok {
			params["input"] = "{{previous.output}}"
		}
		if _, ok := params["raw_input"]; !ok {
			params["raw_input"] = "{{previous.raw_output}}"
		}
	case schema.BlockVariableExtract:
		if _, ok := params["source"]; !ok {
			params["source"] = "{{previous.output}}"
		}
	}
	return params
}

func (e *Engine) timeoutFor(node *schema.Node) time.Duration {
	if node.Timeout != "" {
		if d, err := time.ParseDuration(node.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return e.cfg.DefaultTimeout
}

func scopeVariables(scope *expressions.Scope) map[string]any {
	vars, _ := scope.Data()[expressions.VarVariables].(map[string]any)
	return vars
}

// invokeNode sends a node to the invoker, then judges and mines its output.
func (e *Engine) invokeNode(ctx context.Context, r *run, fr *frame, node *schema.Node, n *schema.ExecutionNode) nodeOutcome {
	scope, params, logs := e.prepare(r, fr, node, n)
	if node.Type == schema.BlockVariableSet && params["expression"] != nil {
		params["scope"] = scope.Data()
	}

	out := invoker.Normalize(e.registry.Invoke(ctx, node.Type, params, e.timeoutFor(node)))
	res := &schema.NodeResult{Output: out.Output, RawOutput: out.RawOutput, Logs: logs}
	if !out.Success {
		res.Error = out.Error
		res.ErrorCode = out.ErrorCode
		return nodeOutcome{
			state:   schema.StateFailed,
			verdict: schema.InterpretedNotApplicable,
			result:  res,
			errs: []schema.ExecutionError{{
				Kind: schema.ErrorKindInvocation, Code: out.ErrorCode, Message: out.Error,
			}},
		}
	}

	names := make([]string, 0, len(out.Variables))
	for name := range out.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.setVariable(fr, n, name, out.Variables[name])
	}

	subj := conditions.Subject{Output: out.Output, RawOutput: out.RawOutput}
	oc := nodeOutcome{state: schema.StateCompleted, verdict: schema.InterpretedNotApplicable, result: res}

	if node.PassCondition != nil {
		ev := e.evaluator.Evaluate(ctx, node.PassCondition, subj, scopeVariables(scope))
		res.Interpretation = ev
		res.ExtractedValue = ev.ExtractedValue
		if ev.Passed {
			oc.verdict = schema.InterpretedPassed
		} else {
			oc.verdict = node.PassCondition.FailureResult()
			if oc.verdict == schema.InterpretedFailed {
				oc.errs = append(oc.errs, schema.ExecutionError{
					Kind: schema.ErrorKindInterpretation, Message: ev.Reason,
				})
			}
		}
	}

	if len(node.Extract) > 0 {
		values, misses := e.evaluator.Extract(node.Extract, subj)
		res.Logs = append(res.Logs, misses...)
		if len(values) > 0 {
			res.ExtractedVariables = values
		}
		for _, rule := range node.Extract {
			v, ok := values[rule.Name]
			if !ok {
				continue
			}
			r.setVariable(fr, n, rule.Name, v)
			if res.ExtractedValue == nil {
				res.ExtractedValue = v
			}
		}
	}
	return oc
}
