package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/blockflow/internal/conditions"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/pkg/schema"
)

// --- condition ---

// runCondition evaluates a control.condition node and records the route
// its dependents follow.
func (e *Engine) runCondition(ctx context.Context, r *run, fr *frame, node *schema.Node, n *schema.ExecutionNode) nodeOutcome {
	scope, params, logs := e.prepare(r, fr, node, n)
	res := &schema.NodeResult{Logs: logs}

	var p schema.ConditionParams
	if err := schema.DecodeParams(params, &p); err != nil {
		return orchestrationFailure(res, schema.ErrCodeValidation, "condition %s: invalid parameters: %s", node.ID, err)
	}

	var result bool
	switch {
	case p.Expression != "":
		v, err := e.cel.Evaluate(ctx, p.Expression, scope.Data())
		if err != nil {
			return orchestrationFailure(res, schema.ErrCodeExecution, "condition %s: %s", node.ID, err)
		}
		b, ok := v.(bool)
		if !ok {
			return orchestrationFailure(res, schema.ErrCodeExecution, "condition %s: expression must evaluate to bool, got %T", node.ID, v)
		}
		result = b
	case p.Condition != nil:
		var subj conditions.Subject
		if scope.Previous != nil {
			subj = conditions.Subject{Output: scope.Previous.Output, RawOutput: scope.Previous.RawOutput}
		}
		ev := e.evaluator.Evaluate(ctx, p.Condition, subj, scopeVariables(scope))
		res.Interpretation = ev
		result = ev.Passed
	default:
		return orchestrationFailure(res, schema.ErrCodeValidation, "condition %s: requires expression or condition", node.ID)
	}

	route := schema.RouteFalse
	if result {
		route = schema.RouteTrue
	}
	r.setRoute(n.ID, route)

	res.Output = map[string]any{"result": result, "branch": route}
	res.RawOutput = route
	return nodeOutcome{state: schema.StateCompleted, verdict: schema.InterpretedNotApplicable, result: res}
}

// --- delay ---

// runDelay suspends for the configured duration.
func (e *Engine) runDelay(ctx context.Context, r *run, fr *frame, node *schema.Node, n *schema.ExecutionNode) nodeOutcome {
	_, params, logs := e.prepare(r, fr, node, n)
	res := &schema.NodeResult{Logs: logs}

	var p schema.DelayParams
	if err := schema.DecodeParams(params, &p); err != nil {
		return orchestrationFailure(res, schema.ErrCodeValidation, "%s %s: invalid parameters: %s", node.Type, node.ID, err)
	}
	d := time.Duration(p.Ms) * time.Millisecond
	if p.Duration != "" {
		parsed, err := time.ParseDuration(p.Duration)
		if err != nil {
			return orchestrationFailure(res, schema.ErrCodeValidation, "%s %s: invalid duration %q", node.Type, node.ID, p.Duration)
		}
		d = parsed
	}

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return orchestrationFailure(res, schema.ErrCodeCancelled, "%s %s: interrupted", node.Type, node.ID)
	}

	waited := time.Since(start).Milliseconds()
	res.Output = map[string]any{"waited_ms": waited}
	res.RawOutput = fmt.Sprintf("waited %dms", waited)
	return nodeOutcome{state: schema.StateCompleted, verdict: schema.InterpretedNotApplicable, result: res}
}

// --- loop ---

// runLoop runs the loop body once per iteration. Items beyond the iteration
// cap fail the loop before anything runs; while and until loops fail when
// they reach the cap.
func (e *Engine) runLoop(ctx context.Context, r *run, fr *frame, node *schema.Node, n *schema.ExecutionNode) nodeOutcome {
	scope, params, logs := e.prepare(r, fr, node, n)
	res := &schema.NodeResult{Logs: logs}

	var p schema.LoopParams
	if err := schema.DecodeParams(params, &p); err != nil {
		return orchestrationFailure(res, schema.ErrCodeValidation, "loop %s: invalid parameters: %s", node.ID, err)
	}
	if err := p.Validate(); err != nil {
		return orchestrationFailure(res, schema.ErrCodeValidation, "loop %s: %s", node.ID, err)
	}

	limit := e.cfg.MaxLoopIterations
	if p.MaxIterations > 0 && p.MaxIterations < limit {
		limit = p.MaxIterations
	}

	mode := p.ResolvedMode()
	var items []any
	total := -1
	switch mode {
	case "count":
		total = p.Count
	case "items":
		arr, err := loopItems(p.Items)
		if err != nil {
			return orchestrationFailure(res, schema.ErrCodeValidation, "loop %s: %s", node.ID, err)
		}
		items, total = arr, len(arr)
	case "over":
		v, err := e.cel.Evaluate(ctx, p.Over, scope.Data())
		if err != nil {
			return orchestrationFailure(res, schema.ErrCodeExecution, "loop %s: over expression failed: %s", node.ID, err)
		}
		arr, err := loopItems(v)
		if err != nil {
			return orchestrationFailure(res, schema.ErrCodeExecution, "loop %s: over %s", node.ID, err)
		}
		items, total = arr, len(arr)
	}
	if total > limit {
		return orchestrationFailure(res, schema.ErrCodeValidation,
			"loop %s: %d iterations exceed the limit of %d", node.ID, total, limit)
	}

	itemVar := p.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := p.IndexVariable
	if indexVar == "" {
		indexVar = "index"
	}
	r.mu.Lock()
	prev := r.previousLocked(fr, node.ID)
	r.mu.Unlock()

	body := loopBody{fr: fr, node: node, n: n, itemVar: itemVar, indexVar: indexVar, previous: prev}

	var failure *nodeOutcome
	executed := 0
	switch mode {
	case "while", "until":
		for i := 0; ; i++ {
			if r.gate.wait(ctx) != nil || r.stopped() {
				break
			}
			if mode == "while" {
				ok, err := e.loopCondition(ctx, r, body, p.Condition, i)
				if err != nil {
					oc := orchestrationFailure(res, schema.ErrCodeExecution, "loop %s: %s", node.ID, err)
					failure = &oc
					break
				}
				if !ok {
					break
				}
			}
			if i >= limit {
				oc := orchestrationFailure(res, schema.ErrCodeExecution,
					"loop %s: reached the limit of %d iterations", node.ID, limit)
				failure = &oc
				break
			}
			e.runIteration(ctx, r, body, i, nil)
			executed++
			if mode == "until" {
				done, err := e.loopCondition(ctx, r, body, p.Condition, i)
				if err != nil {
					oc := orchestrationFailure(res, schema.ErrCodeExecution, "loop %s: %s", node.ID, err)
					failure = &oc
					break
				}
				if done {
					break
				}
			}
		}
	default:
		for i := 0; i < total; i++ {
			if r.gate.wait(ctx) != nil || r.stopped() {
				break
			}
			var item any = i
			if items != nil {
				item = items[i]
			}
			e.runIteration(ctx, r, body, i, item)
			executed++
		}
		r.skipRemainingIterations(n, executed, total, items)
	}

	failed := r.failedIterations(n)
	res.Output = map[string]any{"iterations": executed, "failed": failed}
	res.RawOutput = fmt.Sprintf("%d iterations, %d failed", executed, failed)
	if failure != nil {
		return *failure
	}
	verdict := schema.InterpretedNotApplicable
	if failed > 0 {
		verdict = schema.InterpretedFailed
	}
	return nodeOutcome{state: schema.StateCompleted, verdict: verdict, result: res}
}

// loopBody carries what every iteration of one loop execution shares.
type loopBody struct {
	fr       *frame
	node     *schema.Node
	n        *schema.ExecutionNode
	itemVar  string
	indexVar string
	previous *expressions.PreviousOutput
}

func (b loopBody) locals(index int, item any) map[string]any {
	locals := make(map[string]any, len(b.fr.locals)+2)
	for k, v := range b.fr.locals {
		locals[k] = v
	}
	locals[b.indexVar] = index
	if item != nil {
		locals[b.itemVar] = item
	}
	return locals
}

// loopItems accepts an array or the JSON text of one.
func loopItems(v any) ([]any, error) {
	if s, ok := v.(string); ok {
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err != nil {
			return nil, fmt.Errorf("items must be an array, got string %q", s)
		}
		return arr, nil
	}
	if arr, ok := v.([]any); ok {
		return arr, nil
	}
	norm, err := expressions.NormalizeJSON(v)
	if err == nil {
		if arr, ok := norm.([]any); ok {
			return arr, nil
		}
	}
	return nil, fmt.Errorf("items must be an array, got %T", v)
}

func (e *Engine) loopCondition(ctx context.Context, r *run, b loopBody, expr string, index int) (bool, error) {
	scope := r.scopeFor(b.fr, b.node.ID)
	scope.Locals = b.locals(index, nil)
	scope.Loop = &expressions.LoopScope{Index: index}

	v, err := e.cel.Evaluate(ctx, expr, scope.Data())
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}
	ok, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("condition must evaluate to bool, got %T", v)
	}
	return ok, nil
}

// runIteration instantiates and runs one pass through the loop body.
func (e *Engine) runIteration(ctx context.Context, r *run, b loopBody, index int, item any) {
	idx := index
	child := &frame{
		key:       b.node.ID,
		prefix:    fmt.Sprintf("%s.iter_%d.", b.n.ID, index),
		parent:    b.fr,
		nodes:     make(map[string]*schema.ExecutionNode),
		locals:    b.locals(index, item),
		loop:      &expressions.LoopScope{Item: item, Index: index},
		iteration: &idx,
		previous:  b.previous,
	}

	r.mu.Lock()
	now := time.Now().UTC()
	it := &schema.LoopIteration{Index: index, Status: schema.StatusRunning, StartedAt: &now, IterationValue: item}
	b.n.Iterations = append(b.n.Iterations, it)
	b.n.TotalIterations = len(b.n.Iterations)
	r.instantiate(child, func(c *schema.ExecutionNode) {
		it.Children = append(it.Children, c)
	}, b.n.Depth+1)
	r.publish(schema.EventIterationStarted, child, b.n.ID, map[string]any{"index": index, "item": item})
	r.mu.Unlock()

	e.runScope(ctx, r, child)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.skipFrameLocked(child, "execution stopped")
	done := time.Now().UTC()
	it.CompletedAt = &done
	it.DurationMs = done.Sub(now).Milliseconds()
	it.Status = aggregateStatus(child)
	expandFirstFailure(b.n)
	r.publish(schema.EventIterationCompleted, child, b.n.ID, map[string]any{
		"index": index, "status": string(it.Status), "duration_ms": it.DurationMs,
	})
	r.publishMetricsLocked()
}

// expandFirstFailure keeps IsExpanded on the lowest-index failed iteration
// only. Concurrent iterations may settle out of order.
func expandFirstFailure(n *schema.ExecutionNode) {
	var first *schema.LoopIteration
	for _, it := range n.Iterations {
		it.IsExpanded = false
		if it.Status == schema.StatusFailed && (first == nil || it.Index < first.Index) {
			first = it
		}
	}
	if first != nil {
		first.IsExpanded = true
	}
}

// skipRemainingIterations records the iterations a halted loop never ran.
func (r *run) skipRemainingIterations(n *schema.ExecutionNode, from, total int, items []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	for i := from; i < total; i++ {
		it := &schema.LoopIteration{Index: i, Status: schema.StatusSkipped}
		if items != nil {
			it.IterationValue = items[i]
		}
		n.Iterations = append(n.Iterations, it)
	}
	n.TotalIterations = len(n.Iterations)
}

func (r *run) failedIterations(n *schema.ExecutionNode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := 0
	for _, it := range n.Iterations {
		if it.Status == schema.StatusFailed {
			failed++
		}
	}
	return failed
}

// --- parallel ---

var errBranchFailed = errors.New("branch failed")

// runParallel runs the branches of a control.parallel node on a bounded
// pool. Without wait_all the node completes with the first finished branch
// and the others continue in the background.
func (e *Engine) runParallel(ctx context.Context, r *run, fr *frame, node *schema.Node, n *schema.ExecutionNode) nodeOutcome {
	_, params, logs := e.prepare(r, fr, node, n)
	res := &schema.NodeResult{Logs: logs}

	var p schema.ParallelParams
	if err := schema.DecodeParams(params, &p); err != nil {
		return orchestrationFailure(res, schema.ErrCodeValidation, "parallel %s: invalid parameters: %s", node.ID, err)
	}

	r.mu.Lock()
	frames := r.branches[n.ID]
	prev := r.previousLocked(fr, node.ID)
	for _, bf := range frames {
		bf.previous = prev
	}
	r.mu.Unlock()

	limit := p.MaxConcurrent
	if limit <= 0 {
		limit = e.cfg.MaxParallelBranches
	}
	if limit <= 0 {
		limit = len(frames)
	}

	pool := NewWorkerPool(limit)
	pool.OnPanic(func(rec any) {
		logging.LogWith(ctx, e.logger).Error("parallel branch panicked", "panic", rec)
		r.recordError(n.ID, n.BlockID, schema.ErrorKindOrchestration, schema.ErrCodeExecution, fmt.Sprint(rec))
		r.halt()
	})

	finished := make(chan int, len(frames))
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for i, bf := range frames {
			err := pool.Submit(ctx, func(ctx context.Context) (err error) {
				defer func() {
					err = r.finishBranch(bf, n, i)
					finished <- i
				}()
				r.startBranch(n, i)
				e.runScope(ctx, r, bf)
				return nil
			})
			if err != nil {
				return
			}
		}
	}()

	waitAll := p.WaitsForAll()
	if waitAll {
		<-submitted
		pool.Close()
	} else {
		if len(frames) > 0 {
			select {
			case <-finished:
			case <-ctx.Done():
			}
		}
		r.background.Add(1)
		go func() {
			defer r.background.Done()
			<-submitted
			pool.Close()
		}()
	}

	r.mu.Lock()
	total, done, failed := len(n.ParallelBranches), 0, 0
	for _, b := range n.ParallelBranches {
		if b.Status.IsTerminal() && b.Status != schema.StatusSkipped {
			done++
		}
		if b.Status == schema.StatusFailed {
			failed++
		}
	}
	r.mu.Unlock()

	stats := pool.Stats()
	res.Output = map[string]any{
		"branches": total, "completed": done, "failed": failed, "wait_all": waitAll,
		"max_concurrent": pool.Limit(), "peak_concurrency": stats.Peak,
	}
	res.RawOutput = fmt.Sprintf("%d/%d branches completed, %d failed", done, total, failed)
	verdict := schema.InterpretedNotApplicable
	if failed > 0 {
		verdict = schema.InterpretedFailed
	}
	return nodeOutcome{state: schema.StateCompleted, verdict: verdict, result: res}
}

func (r *run) startBranch(n *schema.ExecutionNode, i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled || i >= len(n.ParallelBranches) {
		return
	}
	now := time.Now().UTC()
	b := n.ParallelBranches[i]
	b.StartedAt = &now
	b.Status = schema.StatusRunning
}

func (r *run) finishBranch(bf *frame, n *schema.ExecutionNode, i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled || i >= len(n.ParallelBranches) {
		return nil
	}
	r.skipFrameLocked(bf, "execution stopped")
	now := time.Now().UTC()
	b := n.ParallelBranches[i]
	b.CompletedAt = &now
	b.Status = aggregateStatus(bf)
	if b.Status == schema.StatusFailed {
		return errBranchFailed
	}
	return nil
}
