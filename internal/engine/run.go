package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// run is the mutable state of one execution. The result tree, routes and
// flags are guarded by mu; every event is published while mu is held so the
// event order matches the order of tree mutations.
type run struct {
	id     string
	plan   *schema.CompiledPlan
	mode   schema.ErrorHandling
	inputs map[string]any
	vars   *variables
	fsm    *RunFSM
	gate   *pauseGate
	hub    EventHub

	ctx        context.Context
	cancel     context.CancelFunc
	background sync.WaitGroup
	done       chan struct{}

	mu        sync.Mutex
	result    *schema.ExecutionResult
	root      *frame
	branches  map[string][]*frame // parallel exec id -> branch frames
	routes    map[string]string   // condition exec id -> route taken
	halted    bool
	cancelled bool
}

// frame is one instantiation of a scope: the top level, one loop iteration
// or one parallel branch.
type frame struct {
	key       string
	prefix    string
	parent    *frame
	nodes     map[string]*schema.ExecutionNode // block id -> execution node
	locals    map[string]any
	loop      *expressions.LoopScope
	iteration *int
	previous  *expressions.PreviousOutput
}

func newRun(ctx context.Context, cancel context.CancelFunc, id string, plan *schema.CompiledPlan,
	inputs map[string]any, opts schema.ExecuteOptions, hub EventHub) *run {
	if inputs == nil {
		inputs = map[string]any{}
	}
	r := &run{
		id:       id,
		plan:     plan,
		mode:     opts.ErrorHandling,
		inputs:   inputs,
		vars:     newVariables(nil),
		fsm:      NewRunFSM(),
		gate:     newPauseGate(),
		hub:      hub,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		branches: make(map[string][]*frame),
		routes:   make(map[string]string),
		result: &schema.ExecutionResult{
			ID:           id,
			WorkflowID:   plan.WorkflowID,
			WorkflowName: plan.WorkflowName,
			Status:       schema.RunPending,
			Options:      opts,
		},
		root: &frame{key: "", nodes: make(map[string]*schema.ExecutionNode)},
	}

	for _, st := range []schema.RunStatus{
		schema.RunRunning, schema.RunPaused, schema.RunCompleted, schema.RunFailed, schema.RunCancelled,
	} {
		r.fsm.OnEnter(st, r.onStatus)
	}
	return r
}

// onStatus runs inside FSM transitions, which are always made with mu held.
func (r *run) onStatus(from, to schema.RunStatus) error {
	r.result.Status = to
	payload := map[string]any{"status": string(to)}
	switch {
	case to == schema.RunRunning && from == schema.RunPending:
		now := time.Now().UTC()
		r.result.StartedAt = &now
		payload["workflow_id"] = r.plan.WorkflowID
		payload["error_handling"] = string(r.mode)
	case to.IsTerminal():
		payload["metrics"] = metricsPayload(r.result.Metrics)
		payload["errors"] = len(r.result.Errors)
	}
	r.publish(runEventType(from, to), nil, "", payload)
	return nil
}

func (r *run) publish(typ schema.EventType, fr *frame, nodeID string, payload map[string]any) {
	ev := schema.ExecutionEvent{
		Type:        typ,
		ExecutionID: r.id,
		NodeID:      nodeID,
		Payload:     payload,
	}
	if fr != nil && fr.iteration != nil {
		idx := *fr.iteration
		ev.IterationIndex = &idx
	}
	r.hub.Publish(ev)
}

func (r *run) publishMetricsLocked() {
	r.result.RecomputeMetrics()
	r.publish(schema.EventMetric, nil, "", metricsPayload(r.result.Metrics))
}

func metricsPayload(m schema.Metrics) map[string]any {
	return map[string]any{
		"total_steps":     m.TotalSteps,
		"completed_steps": m.CompletedSteps,
		"passed_steps":    m.PassedSteps,
		"failed_steps":    m.FailedSteps,
		"skipped_steps":   m.SkippedSteps,
		"warning_steps":   m.WarningSteps,
		"success_rate":    m.SuccessRate,
	}
}

// --- tree instantiation ---

func newExecutionNode(id string, node *schema.Node) *schema.ExecutionNode {
	return &schema.ExecutionNode{
		ID:                id,
		BlockID:           node.ID,
		BlockType:         node.Type,
		BlockName:         node.DisplayName(),
		BlockCategory:     node.EffectiveCategory(),
		ExecutionState:    schema.StatePending,
		InterpretedResult: schema.InterpretedPending,
		Status:            schema.StatusPending,
		PassCondition:     node.PassCondition,
		IsLoop:            node.Type == schema.BlockLoop,
		IsParallel:        node.Type == schema.BlockParallel,
	}
}

// instantiateRoot builds the pending top-level tree. The entry node becomes
// the root; other top-level roots hang under it.
func (r *run) instantiateRoot() {
	r.instantiate(r.root, func(n *schema.ExecutionNode) {
		if r.result.RootNode == nil {
			n.Depth = 0
			r.result.RootNode = n
			return
		}
		n.Depth = 1
		r.result.RootNode.Children = append(r.result.RootNode.Children, n)
	}, 0)
}

// instantiate creates pending execution nodes for every member of fr's
// scope. A node hangs under the source of its first same-scope incoming
// edge; scope entries are handed to attach. Parallel branches are created
// eagerly, loop bodies once per iteration.
func (r *run) instantiate(fr *frame, attach func(*schema.ExecutionNode), depth int) {
	for _, level := range r.plan.LevelsOf(fr.key) {
		for _, id := range level {
			node := r.plan.Nodes[id]
			n := newExecutionNode(fr.prefix+id, node)
			fr.nodes[id] = n

			if parent := r.sameScopeParent(fr, id); parent != nil {
				n.Depth = parent.Depth + 1
				parent.Children = append(parent.Children, n)
			} else {
				n.Depth = depth
				attach(n)
			}
			if n.IsParallel {
				r.instantiateBranches(fr, n)
			}
		}
	}
}

func (r *run) instantiateBranches(fr *frame, n *schema.ExecutionNode) {
	var frames []*frame
	for _, s := range r.plan.Scopes[n.BlockID] {
		if s.Kind != schema.ScopeBranch {
			continue
		}
		bf := &frame{
			key:       s.Key,
			prefix:    fr.prefix,
			parent:    fr,
			nodes:     make(map[string]*schema.ExecutionNode),
			locals:    fr.locals,
			loop:      fr.loop,
			iteration: fr.iteration,
		}
		r.instantiate(bf, func(c *schema.ExecutionNode) {
			n.Children = append(n.Children, c)
		}, n.Depth+1)

		branch := &schema.ParallelBranch{Index: s.Index, Status: schema.StatusPending}
		if len(s.Entries) > 0 {
			branch.EntryNodeID = fr.prefix + s.Entries[0]
		}
		for _, id := range s.NodeIDs() {
			branch.NodeIDs = append(branch.NodeIDs, fr.prefix+id)
		}
		n.ParallelBranches = append(n.ParallelBranches, branch)
		frames = append(frames, bf)
	}
	r.branches[n.ID] = frames
}

func (r *run) sameScopeParent(fr *frame, id string) *schema.ExecutionNode {
	for _, e := range r.plan.SameScopeIncoming(id) {
		if p := fr.nodes[e.Source]; p != nil {
			return p
		}
	}
	return nil
}

// --- readiness ---

// ready decides whether a node may run: none of its same-scope
// predecessors blocks it and at least one incoming edge is active.
func (r *run) ready(fr *frame, id string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	edges := r.plan.SameScopeIncoming(id)
	if len(edges) == 0 {
		return true, ""
	}
	active := r.enteredFromContainer(fr, id)
	for _, e := range edges {
		src := fr.nodes[e.Source]
		if src == nil {
			continue
		}
		switch src.Status {
		case schema.StatusPending, schema.StatusRunning, schema.StatusSkipped:
			continue
		}
		if DecideFailure(r.mode, src).BlockDependents {
			return false, fmt.Sprintf("upstream node %s failed", src.ID)
		}
		if r.routeTaken(src, e) {
			active = true
		}
	}
	if !active {
		return false, "no active incoming edge"
	}
	return true, ""
}

func (r *run) routeTaken(src *schema.ExecutionNode, e schema.Edge) bool {
	if src.BlockType != schema.BlockCondition {
		return true
	}
	switch route := e.Route(); route {
	case schema.RouteTrue, schema.RouteFalse:
		return r.routes[src.ID] == route
	}
	return true
}

func (r *run) enteredFromContainer(fr *frame, id string) bool {
	if fr.key == "" {
		return false
	}
	s := r.plan.ScopeByKey(fr.key)
	if s == nil {
		return false
	}
	for _, e := range r.plan.Incoming[id] {
		if e.Source == s.Owner {
			return true
		}
	}
	return false
}

func (r *run) setRoute(execID, route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[execID] = route
}

// --- scope data ---

func previousOf(n *schema.ExecutionNode) *expressions.PreviousOutput {
	p := &expressions.PreviousOutput{NodeID: n.BlockID, Status: string(n.Status)}
	if n.Result != nil {
		p.Output = n.Result.Output
		p.RawOutput = n.Result.RawOutput
	}
	return p
}

// previousLocked returns the output a node sees as previous: the first
// finished same-scope predecessor, else the frame's inherited previous.
func (r *run) previousLocked(fr *frame, id string) *expressions.PreviousOutput {
	for _, e := range r.plan.SameScopeIncoming(id) {
		src := fr.nodes[e.Source]
		if src != nil && src.Status.IsTerminal() && src.Status != schema.StatusSkipped {
			return previousOf(src)
		}
	}
	return fr.previous
}

// scopeFor builds the resolution scope of node id in fr.
func (r *run) scopeFor(fr *frame, id string) *expressions.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &expressions.Scope{
		Previous:  r.previousLocked(fr, id),
		Variables: r.vars.Snapshot(),
		Locals:    fr.locals,
		Inputs:    r.inputs,
		Nodes:     r.nodesViewLocked(fr),
		Loop:      fr.loop,
	}
}

// nodesViewLocked exposes finished nodes visible from fr by block id. Inner
// frames shadow outer ones.
func (r *run) nodesViewLocked(fr *frame) map[string]any {
	var chain []*frame
	for f := fr; f != nil; f = f.parent {
		chain = append(chain, f)
	}
	view := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		r.addFrameView(view, chain[i])
	}
	return view
}

func (r *run) addFrameView(view map[string]any, fr *frame) {
	for id, n := range fr.nodes {
		if n.IsParallel {
			for _, bf := range r.branches[n.ID] {
				r.addFrameView(view, bf)
			}
		}
		if !n.Status.IsTerminal() || n.Status == schema.StatusSkipped {
			continue
		}
		entry := map[string]any{"status": string(n.Status), "output": nil, "raw_output": ""}
		if n.Result != nil {
			entry["output"] = n.Result.Output
			entry["raw_output"] = n.Result.RawOutput
		}
		view[id] = entry
	}
}

func (r *run) setVariable(fr *frame, n *schema.ExecutionNode, name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.vars.Set(name, value)
	r.publish(schema.EventVariableUpdated, fr, n.ID, map[string]any{"name": name, "value": value})
}

func (r *run) logf(fr *frame, n *schema.ExecutionNode, level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.publish(schema.EventLog, fr, n.ID, map[string]any{"level": level, "message": fmt.Sprintf(format, args...)})
}

// --- node lifecycle ---

func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled || r.halted
}

func (r *run) halt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = true
}

// begin marks a node running. It returns false when the run stopped.
func (r *run) begin(fr *frame, n *schema.ExecutionNode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled || r.halted {
		return false
	}
	now := time.Now().UTC()
	n.StartedAt = &now
	n.ExecutionState = schema.StateRunning
	n.Status = schema.StatusRunning
	r.publish(schema.EventNodeStarted, fr, n.ID, map[string]any{
		"block_id":   n.BlockID,
		"block_type": n.BlockType,
	})
	return true
}

// nodeOutcome is what a node handler hands back for recording.
type nodeOutcome struct {
	state   schema.ExecutionState
	verdict schema.InterpretedResult
	result  *schema.NodeResult
	errs    []schema.ExecutionError
}

func orchestrationFailure(res *schema.NodeResult, code, format string, args ...any) nodeOutcome {
	msg := fmt.Sprintf(format, args...)
	if res == nil {
		res = &schema.NodeResult{}
	}
	res.Error = msg
	res.ErrorCode = code
	return nodeOutcome{
		state:   schema.StateFailed,
		verdict: schema.InterpretedNotApplicable,
		result:  res,
		errs:    []schema.ExecutionError{{Kind: schema.ErrorKindOrchestration, Code: code, Message: msg}},
	}
}

// complete records a node's outcome unless the run was cancelled meanwhile.
func (r *run) complete(fr *frame, n *schema.ExecutionNode, oc nodeOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}

	now := time.Now().UTC()
	n.CompletedAt = &now
	if n.StartedAt != nil {
		n.DurationMs = now.Sub(*n.StartedAt).Milliseconds()
	}
	n.ExecutionState = oc.state
	n.InterpretedResult = oc.verdict
	n.Result = oc.result
	n.Status = schema.DeriveStatus(oc.state, oc.verdict)

	for _, e := range oc.errs {
		e.NodeID = n.ID
		e.BlockID = n.BlockID
		e.Timestamp = now
		r.result.Errors = append(r.result.Errors, e)
	}

	payload := map[string]any{
		"block_id":           n.BlockID,
		"block_type":         n.BlockType,
		"status":             string(n.Status),
		"execution_state":    string(n.ExecutionState),
		"interpreted_result": string(n.InterpretedResult),
		"duration_ms":        n.DurationMs,
	}
	if n.BlockType == schema.BlockParallel && n.Result != nil {
		if out, ok := n.Result.Output.(map[string]any); ok {
			payload["peak_concurrency"] = out["peak_concurrency"]
		}
	}
	typ := schema.EventNodeCompleted
	if n.Status == schema.StatusFailed {
		typ = schema.EventNodeFailed
		if n.Result != nil && n.Result.Error != "" {
			payload["error"] = n.Result.Error
		} else if n.Result != nil && n.Result.Interpretation != nil {
			payload["error"] = n.Result.Interpretation.Reason
		}
	}
	r.publish(typ, fr, n.ID, payload)

	if DecideFailure(r.mode, n).HaltRun {
		r.halted = true
	}
	r.publishMetricsLocked()
}

func (r *run) recordError(nodeID, blockID string, kind schema.ErrorKind, code, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Errors = append(r.result.Errors, schema.ExecutionError{
		NodeID: nodeID, BlockID: blockID, Kind: kind, Code: code, Message: msg, Timestamp: time.Now().UTC(),
	})
}

func (r *run) skip(fr *frame, n *schema.ExecutionNode, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipLocked(fr, n, reason)
}

// skipLocked marks a node that never ran as skipped. Skipping a parallel
// node skips its whole branch tree.
func (r *run) skipLocked(fr *frame, n *schema.ExecutionNode, reason string) {
	if r.cancelled || n.Status.IsTerminal() {
		return
	}
	n.ExecutionState = schema.StatePending
	n.InterpretedResult = schema.InterpretedNotApplicable
	n.Status = schema.StatusSkipped
	r.publish(schema.EventNodeSkipped, fr, n.ID, map[string]any{"block_id": n.BlockID, "block_type": n.BlockType, "reason": reason})

	if n.IsParallel {
		for i, bf := range r.branches[n.ID] {
			r.skipFrameLocked(bf, reason)
			if i < len(n.ParallelBranches) {
				n.ParallelBranches[i].Status = schema.StatusSkipped
			}
		}
	}
}

// skipFrameLocked skips every node of fr still waiting to run.
func (r *run) skipFrameLocked(fr *frame, reason string) {
	for _, level := range r.plan.LevelsOf(fr.key) {
		for _, id := range level {
			if n := fr.nodes[id]; n != nil {
				r.skipLocked(fr, n, reason)
			}
		}
	}
}

// aggregateStatus folds node statuses into one: any failure fails, then any
// warning warns; only skipped nodes mean skipped.
func aggregateStatus(fr *frame) schema.NodeStatus {
	var failed, warned, ran bool
	for _, n := range fr.nodes {
		n.Walk(func(x *schema.ExecutionNode) bool {
			switch x.Status {
			case schema.StatusFailed:
				failed = true
			case schema.StatusWarning:
				warned = true
			}
			if x.Status != schema.StatusSkipped && x.Status != schema.StatusPending {
				ran = true
			}
			return true
		})
	}
	switch {
	case failed:
		return schema.StatusFailed
	case warned:
		return schema.StatusWarning
	case !ran:
		return schema.StatusSkipped
	}
	return schema.StatusPassed
}

// --- run lifecycle ---

// cancelRun moves the run to cancelled and marks unfinished work skipped.
func (r *run) cancelRun() error {
	r.mu.Lock()
	if from := r.fsm.Status(); !isValidRunTransition(from, schema.RunCancelled) {
		r.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", r.id, from)
	}
	// Nodes are marked silently so execution_cancelled stays the last event.
	r.cancelled = true
	now := time.Now().UTC()
	r.result.RootNode.Walk(func(n *schema.ExecutionNode) bool {
		if !n.Status.IsTerminal() {
			if n.StartedAt != nil {
				n.CompletedAt = &now
				n.DurationMs = now.Sub(*n.StartedAt).Milliseconds()
			}
			n.ExecutionState = schema.StatePending
			n.InterpretedResult = schema.InterpretedNotApplicable
			n.Status = schema.StatusSkipped
		}
		for _, it := range n.Iterations {
			if !it.Status.IsTerminal() {
				it.Status = schema.StatusSkipped
				it.CompletedAt = &now
			}
		}
		for _, b := range n.ParallelBranches {
			if !b.Status.IsTerminal() {
				b.Status = schema.StatusSkipped
				b.CompletedAt = &now
			}
		}
		return true
	})
	r.result.CompletedAt = &now
	r.result.Variables = r.vars.Snapshot()
	r.result.RecomputeMetrics()
	err := r.fsm.Transition(r.id, schema.RunCancelled)
	r.mu.Unlock()

	r.cancel()
	return err
}

// finish settles the final status and returns the final snapshot.
func (r *run) finish() *schema.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cancelled {
		now := time.Now().UTC()
		r.result.RootNode.Walk(func(n *schema.ExecutionNode) bool {
			r.skipLocked(nil, n, "execution stopped")
			for _, b := range n.ParallelBranches {
				if !b.Status.IsTerminal() {
					b.Status = schema.StatusSkipped
				}
			}
			return true
		})
		r.result.CompletedAt = &now
		r.result.Variables = r.vars.Snapshot()
		r.result.RecomputeMetrics()

		status := schema.RunCompleted
		if r.halted {
			status = schema.RunFailed
		}
		if r.fsm.Status() == schema.RunPaused {
			// Paused after the last node started; there is nothing left to hold.
			_ = r.fsm.Transition(r.id, schema.RunRunning)
			r.gate.resume()
		}
		_ = r.fsm.Transition(r.id, status)
	}
	r.result.Errors = r.result.CollectErrors()
	return r.result.Clone()
}

// snapshot returns a deep copy of the live result.
func (r *run) snapshot() *schema.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.result.Clone()
	c.Variables = r.vars.Snapshot()
	c.RecomputeMetrics()
	c.Errors = c.CollectErrors()
	return c
}

// --- pause gate ---

// pauseGate blocks the scheduler between nodes while the run is paused.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

func newPauseGate() *pauseGate {
	open := make(chan struct{})
	close(open)
	return &pauseGate{open: open}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.open = make(chan struct{})
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.open)
	}
}

// wait returns once the gate is open or ctx is done.
func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
