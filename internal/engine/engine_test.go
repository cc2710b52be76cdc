package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/internal/invoker"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

// --- Test helpers ---

type handlerFn func(ctx context.Context, params map[string]any) (invoker.Outcome, error)

// mockInvoker answers per block type and records every call. Unknown types
// succeed with their parameters as output.
type mockInvoker struct {
	mu       sync.Mutex
	handlers map[string]handlerFn
	calls    []string
}

func newMockInvoker() *mockInvoker {
	return &mockInvoker{handlers: make(map[string]handlerFn)}
}

func (m *mockInvoker) on(blockType string, fn handlerFn) *mockInvoker {
	m.handlers[blockType] = fn
	return m
}

func (m *mockInvoker) Invoke(ctx context.Context, blockType string, params map[string]any, _ time.Duration) (invoker.Outcome, error) {
	m.mu.Lock()
	m.calls = append(m.calls, blockType)
	fn := m.handlers[blockType]
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, params)
	}
	return invoker.Succeeded(params, "ok"), nil
}

func (m *mockInvoker) callCount(blockType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == blockType {
			n++
		}
	}
	return n
}

func raw(output string) handlerFn {
	return func(context.Context, map[string]any) (invoker.Outcome, error) {
		return invoker.Succeeded(output, output), nil
	}
}

func failing(msg string) handlerFn {
	return func(context.Context, map[string]any) (invoker.Outcome, error) {
		return invoker.Failed("", msg), nil
	}
}

// blocking waits for release or context cancellation.
func blocking(release <-chan struct{}) handlerFn {
	return func(ctx context.Context, _ map[string]any) (invoker.Outcome, error) {
		select {
		case <-release:
			return invoker.Succeeded("released", "released"), nil
		case <-ctx.Done():
			return invoker.Outcome{}, ctx.Err()
		}
	}
}

func node(id, typ string) schema.Node {
	return schema.Node{ID: id, Type: typ}
}

func withParams(n schema.Node, params map[string]any) schema.Node {
	n.Parameters = params
	return n
}

func edge(src, dst string) schema.Edge {
	return schema.Edge{Source: src, Target: dst}
}

func labeled(src, dst, label string) schema.Edge {
	return schema.Edge{Source: src, Target: dst, Label: label}
}

func workflow(nodes []schema.Node, edges []schema.Edge) *schema.Workflow {
	return &schema.Workflow{ID: "wf-test", Name: "test", Nodes: nodes, Edges: edges}
}

func newTestEngine(t *testing.T, inv invoker.BlockInvoker, opts ...Option) *Engine {
	t.Helper()
	eng, err := New(inv, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func runWorkflow(t *testing.T, eng *Engine, wf *schema.Workflow, mode schema.ErrorHandling) *schema.ExecutionResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := eng.Run(ctx, wf, nil, schema.ExecuteOptions{ErrorHandling: mode})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func statusOf(t *testing.T, res *schema.ExecutionResult, id string) schema.NodeStatus {
	t.Helper()
	n := res.FindNode(id)
	require.NotNil(t, n, "node %s not in result tree", id)
	return n.Status
}

func ringWorkflow() *schema.Workflow {
	check := node("check", schema.BlockOutputInterpreter)
	check.PassCondition = &schema.PassCondition{Type: schema.ConditionContains, Value: "Ring is OK"}
	check.Extract = []schema.ExtractRule{{Name: "ports", Pattern: `(\d+) ports`, As: "number"}}
	return workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			withParams(node("ssh", "ssh_command"), map[string]any{"command": "show rep topology segment 1"}),
			check,
			node("end", schema.BlockEnd),
		},
		[]schema.Edge{edge("start", "ssh"), edge("ssh", "check"), edge("check", "end")},
	)
}

// --- End to end ---

func TestEngine_RingCheckPasses(t *testing.T) {
	inv := newMockInvoker().on("ssh_command", raw("REP Segment 1: Ring is OK, 4 ports in segment"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, ringWorkflow(), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunCompleted, res.Status)
	check := res.FindNode("check")
	require.NotNil(t, check)
	assert.Equal(t, schema.StateCompleted, check.ExecutionState)
	assert.Equal(t, schema.InterpretedPassed, check.InterpretedResult)
	assert.Equal(t, schema.StatusPassed, check.Status)
	require.NotNil(t, check.Result)
	assert.Equal(t, 4.0, check.Result.ExtractedValue)
	assert.Equal(t, 4.0, res.Variables["ports"])
	assert.Equal(t, 4, res.Metrics.PassedSteps)
	assert.Empty(t, res.Errors)
	assert.NotNil(t, res.StartedAt)
	assert.NotNil(t, res.CompletedAt)
}

func TestEngine_RingCheckInvocationFailure(t *testing.T) {
	inv := newMockInvoker().on("ssh_command", failing("Connection timeout"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, ringWorkflow(), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunFailed, res.Status)
	ssh := res.FindNode("ssh")
	require.NotNil(t, ssh)
	assert.Equal(t, schema.StateFailed, ssh.ExecutionState)
	assert.Equal(t, schema.InterpretedNotApplicable, ssh.InterpretedResult)

	check := res.FindNode("check")
	require.NotNil(t, check)
	assert.Equal(t, schema.StatusSkipped, check.Status)
	assert.Nil(t, check.StartedAt)
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "end"))

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "ssh", res.Errors[0].NodeID)
	assert.Equal(t, schema.ErrorKindInvocation, res.Errors[0].Kind)
	assert.Equal(t, "Connection timeout", res.Errors[0].Message)
}

func TestEngine_RingCheckInterpretationFailure(t *testing.T) {
	inv := newMockInvoker().on("ssh_command", raw("REP Segment 1: Ring is Down"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, ringWorkflow(), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunFailed, res.Status)
	check := res.FindNode("check")
	require.NotNil(t, check)
	assert.Equal(t, schema.StateCompleted, check.ExecutionState)
	assert.Equal(t, schema.InterpretedFailed, check.InterpretedResult)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrorKindInterpretation, res.Errors[0].Kind)
}

// --- Properties ---

func TestEngine_FailedExecutionIsNeverInterpreted(t *testing.T) {
	poll := node("poll", "poll")
	poll.PassCondition = &schema.PassCondition{Type: schema.ConditionAlways}
	inv := newMockInvoker().on("poll", failing("boom"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, workflow(
		[]schema.Node{node("start", schema.BlockStart), poll, node("other", "other")},
		[]schema.Edge{edge("start", "poll"), edge("start", "other")},
	), schema.ErrorHandlingContinue)

	for _, n := range res.Flatten() {
		if n.ExecutionState == schema.StateFailed {
			assert.Equal(t, schema.InterpretedNotApplicable, n.InterpretedResult, "node %s", n.ID)
		}
	}
	assert.Equal(t, schema.StatusFailed, statusOf(t, res, "poll"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "other"))
}

func TestEngine_MetricsAreIdempotent(t *testing.T) {
	inv := newMockInvoker().on("ssh_command", raw("Ring is OK, 2 ports"))
	eng := newTestEngine(t, inv)
	res := runWorkflow(t, eng, ringWorkflow(), schema.ErrorHandlingStop)

	first := schema.ComputeMetrics(res.RootNode)
	second := schema.ComputeMetrics(res.RootNode)
	assert.Equal(t, first, second)
	assert.Equal(t, res.Metrics, first)
	assert.Equal(t, 4, first.TotalSteps)
}

func TestEngine_StopSkipsLaterLevels(t *testing.T) {
	inv := newMockInvoker().on("fail", failing("level two failed"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			node("a", "fail"),
			node("x", "work"),
			node("b", "work"),
			node("y", "work"),
			node("c", "work"),
		},
		[]schema.Edge{
			edge("start", "a"), edge("start", "x"),
			edge("a", "b"), edge("x", "y"),
			edge("b", "c"),
		},
	), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunFailed, res.Status)
	assert.Equal(t, schema.StatusFailed, statusOf(t, res, "a"))
	for _, id := range []string{"b", "y", "c"} {
		assert.Equal(t, schema.StatusSkipped, statusOf(t, res, id), id)
	}
	// x shares a's level but is declared after it, so it never starts.
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "x"))
	assert.Equal(t, 0, inv.callCount("work"))
	assert.NotEmpty(t, res.Errors)
}

// --- Error handling modes ---

func errorModeWorkflow() *schema.Workflow {
	poll := node("poll", "poll")
	poll.PassCondition = &schema.PassCondition{Type: schema.ConditionContains, Value: "good"}
	return workflow(
		[]schema.Node{node("start", schema.BlockStart), poll, node("after", "after")},
		[]schema.Edge{edge("start", "poll"), edge("poll", "after")},
	)
}

func TestEngine_InterpretationFailureByMode(t *testing.T) {
	tests := []struct {
		mode       schema.ErrorHandling
		wantAfter  schema.NodeStatus
		wantStatus schema.RunStatus
	}{
		{schema.ErrorHandlingStop, schema.StatusSkipped, schema.RunFailed},
		{schema.ErrorHandlingContinue, schema.StatusPassed, schema.RunCompleted},
		{schema.ErrorHandlingSkipBranch, schema.StatusSkipped, schema.RunCompleted},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			inv := newMockInvoker().on("poll", raw("bad"))
			eng := newTestEngine(t, inv)

			res := runWorkflow(t, eng, errorModeWorkflow(), tt.mode)

			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, schema.StatusFailed, statusOf(t, res, "poll"))
			assert.Equal(t, tt.wantAfter, statusOf(t, res, "after"))
			require.Len(t, res.Errors, 1)
			assert.Equal(t, schema.ErrorKindInterpretation, res.Errors[0].Kind)
		})
	}
}

func TestEngine_ContinueSkipsDependentsOfInvocationFailure(t *testing.T) {
	inv := newMockInvoker().on("fail", failing("down"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			node("a", "fail"),
			node("b", "work"),
			node("c", "work"),
		},
		[]schema.Edge{edge("start", "a"), edge("a", "b"), edge("start", "c")},
	), schema.ErrorHandlingContinue)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "b"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "c"))
	assert.Len(t, res.Errors, 1)
}

func TestEngine_JSONPathOnNullFieldFailsOnlyThatNode(t *testing.T) {
	chk := node("chk", "status")
	chk.PassCondition = &schema.PassCondition{Type: schema.ConditionJSONPath, JSONPath: "$.a[0]"}
	inv := newMockInvoker().on("status", func(context.Context, map[string]any) (invoker.Outcome, error) {
		return invoker.Succeeded(map[string]any{"a": nil}, `{"a": null}`), nil
	})
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, workflow(
		[]schema.Node{node("start", schema.BlockStart), chk, node("next", "next")},
		[]schema.Edge{edge("start", "chk"), edge("chk", "next")},
	), schema.ErrorHandlingContinue)

	assert.Equal(t, schema.RunCompleted, res.Status)
	c := res.FindNode("chk")
	require.NotNil(t, c)
	assert.Equal(t, schema.StateCompleted, c.ExecutionState)
	assert.Equal(t, schema.InterpretedFailed, c.InterpretedResult)
	assert.Equal(t, schema.StatusFailed, c.Status)
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "next"))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrorKindInterpretation, res.Errors[0].Kind)
}

func TestEngine_ErrorsFollowTreeOrder(t *testing.T) {
	inv := newMockInvoker().
		on("slow_fail", func(ctx context.Context, _ map[string]any) (invoker.Outcome, error) {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
			}
			return invoker.Failed("", "slow failure"), nil
		}).
		on("fast_fail", failing("fast failure"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, workflow(
		[]schema.Node{node("start", schema.BlockStart), node("first", "slow_fail"), node("second", "fast_fail")},
		[]schema.Edge{edge("start", "first"), edge("start", "second")},
	), schema.ErrorHandlingContinue)

	require.Len(t, res.Errors, 2)
	assert.Equal(t, "first", res.Errors[0].NodeID)
	assert.Equal(t, "second", res.Errors[1].NodeID)

	stored, err := eng.GetExecutionResult(context.Background(), res.ID)
	require.NoError(t, err)
	require.Len(t, stored.Errors, 2)
	assert.Equal(t, "first", stored.Errors[0].NodeID)
}

func TestEngine_WarningSeverityDoesNotFail(t *testing.T) {
	poll := node("poll", "poll")
	poll.PassCondition = &schema.PassCondition{
		Type: schema.ConditionContains, Value: "good", Severity: schema.InterpretedWarning,
	}
	inv := newMockInvoker().on("poll", raw("bad"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, workflow(
		[]schema.Node{node("start", schema.BlockStart), poll, node("after", "after")},
		[]schema.Edge{edge("start", "poll"), edge("poll", "after")},
	), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, schema.StatusWarning, statusOf(t, res, "poll"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "after"))
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Metrics.WarningSteps)
}

// --- Variables and interpolation ---

func TestEngine_InterpolatesPreviousOutputAndInputs(t *testing.T) {
	var got map[string]any
	inv := newMockInvoker().
		on("first", raw("hello")).
		on("second", func(_ context.Context, params map[string]any) (invoker.Outcome, error) {
			got = params
			return invoker.Succeeded(nil, "done"), nil
		})
	eng := newTestEngine(t, inv)

	wf := workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			node("first", "first"),
			withParams(node("second", "second"), map[string]any{
				"prev":    "{{previous.raw_output}}",
				"host":    "{{inputs.host}}",
				"message": "from {{nodes.first.raw_output}} to {{inputs.host}}",
				"missing": "{{variables.nope}}",
			}),
		},
		[]schema.Edge{edge("start", "first"), edge("first", "second")},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := eng.Run(ctx, wf, map[string]any{"host": "sw-1"}, schema.ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, "hello", got["prev"])
	assert.Equal(t, "sw-1", got["host"])
	assert.Equal(t, "from hello to sw-1", got["message"])
	assert.Equal(t, "{{variables.nope}}", got["missing"])
	second := res.FindNode("second")
	require.NotNil(t, second.Result)
	assert.NotEmpty(t, second.Result.Logs)
}

func TestEngine_VariableSetIsVisibleDownstream(t *testing.T) {
	var got any
	inv := newMockInvoker().on("use", func(_ context.Context, params map[string]any) (invoker.Outcome, error) {
		got = params["target"]
		return invoker.Succeeded(nil, ""), nil
	})
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			withParams(node("set", schema.BlockVariableSet), map[string]any{"name": "target", "value": "10.0.0.1"}),
			withParams(node("use", "use"), map[string]any{"target": "{{variables.target}}"}),
		},
		[]schema.Edge{edge("start", "set"), edge("set", "use")},
	), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, "10.0.0.1", got)
	assert.Equal(t, "10.0.0.1", res.Variables["target"])
}

// --- Lifecycle ---

func TestEngine_CancelSkipsRunningWork(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	inv := newMockInvoker().on("slow", blocking(release))
	eng := newTestEngine(t, inv)

	id, err := eng.Execute(context.Background(), workflow(
		[]schema.Node{node("start", schema.BlockStart), node("slow", "slow"), node("after", "after")},
		[]schema.Edge{edge("start", "slow"), edge("slow", "after")},
	), nil, schema.ExecuteOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inv.callCount("slow") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, eng.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := eng.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, schema.RunCancelled, res.Status)
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "slow"))
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "after"))
	assert.Equal(t, 0, inv.callCount("after"))

	history := eng.Hub().History(id)
	require.NotEmpty(t, history)
	assert.Equal(t, schema.EventExecutionCancelled, history[len(history)-1].Type)

	err = eng.Cancel(id)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestEngine_PauseAndResume(t *testing.T) {
	release := make(chan struct{})
	inv := newMockInvoker().on("slow", blocking(release))
	eng := newTestEngine(t, inv)

	id, err := eng.Execute(context.Background(), workflow(
		[]schema.Node{node("start", schema.BlockStart), node("slow", "slow"), node("after", "after")},
		[]schema.Edge{edge("start", "slow"), edge("slow", "after")},
	), nil, schema.ExecuteOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inv.callCount("slow") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, eng.Pause(id))
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(eng.Pause(id)))
	close(release)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		res, _ := eng.GetExecutionResult(ctx, id)
		return res != nil && res.FindNode("slow").Status == schema.StatusPassed
	}, 2*time.Second, 5*time.Millisecond)

	// Held at the gate: the next node must not start while paused.
	time.Sleep(50 * time.Millisecond)
	res, err := eng.GetExecutionResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunPaused, res.Status)
	assert.Equal(t, schema.StatusPending, res.FindNode("after").Status)
	assert.Equal(t, 0, inv.callCount("after"))

	require.NoError(t, eng.Resume(id))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err = eng.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "after"))

	var types []schema.EventType
	for _, ev := range eng.Hub().History(id) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventExecutionPaused)
	assert.Contains(t, types, schema.EventExecutionResumed)
}

func TestEngine_RunCancelsWhenContextEnds(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	inv := newMockInvoker().on("slow", blocking(release))
	eng := newTestEngine(t, inv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := eng.Run(ctx, workflow(
		[]schema.Node{node("start", schema.BlockStart), node("slow", "slow")},
		[]schema.Edge{edge("start", "slow")},
	), nil, schema.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunCancelled, res.Status)
}

func TestEngine_RejectsDuplicateExecutionID(t *testing.T) {
	release := make(chan struct{})
	inv := newMockInvoker().on("slow", blocking(release))
	eng := newTestEngine(t, inv)
	wf := workflow(
		[]schema.Node{node("start", schema.BlockStart), node("slow", "slow")},
		[]schema.Edge{edge("start", "slow")},
	)
	opts := schema.ExecuteOptions{ExecutionID: "exec-fixed"}

	id, err := eng.Execute(context.Background(), wf, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "exec-fixed", id)

	_, err = eng.Execute(context.Background(), wf, nil, opts)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	close(release)
	_, err = eng.Wait(context.Background(), id)
	require.NoError(t, err)

	_, err = eng.Execute(context.Background(), wf, nil, opts)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestEngine_ExecuteRejectsInvalidWorkflow(t *testing.T) {
	eng := newTestEngine(t, newMockInvoker())

	_, err := eng.Execute(context.Background(), workflow(
		[]schema.Node{node("a", "work"), node("b", "work"), node("c", "work")},
		[]schema.Edge{edge("a", "b"), edge("b", "c"), edge("c", "a")},
	), nil, schema.ExecuteOptions{})
	require.Error(t, err)
	assert.Contains(t, []string{schema.ErrCodeCompile, schema.ErrCodeCycleDetected}, schema.ErrorCode(err))
	assert.Empty(t, eng.Running())

	_, err = eng.Execute(context.Background(), ringWorkflow(), nil, schema.ExecuteOptions{ErrorHandling: "explode"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestEngine_UnknownExecution(t *testing.T) {
	eng := newTestEngine(t, newMockInvoker())

	res, err := eng.GetExecutionResult(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = eng.Wait(context.Background(), "nope")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, WithConfig(Config{MaxLoopIterations: -1}))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

// --- Events ---

// countingHub records which executions were subscribed to.
type countingHub struct {
	*streaming.MemoryHub
	mu  sync.Mutex
	ids []string
}

func (h *countingHub) Subscribe(id string, fn func(schema.ExecutionEvent), opts streaming.SubscribeOptions) func() {
	h.mu.Lock()
	h.ids = append(h.ids, id)
	h.mu.Unlock()
	return h.MemoryHub.Subscribe(id, fn, opts)
}

func (h *countingHub) subscribed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ids...)
}

func TestEngine_SubscribeUnknownExecutionIsNoop(t *testing.T) {
	hub := &countingHub{MemoryHub: streaming.NewMemoryHub()}
	inv := newMockInvoker().on("ssh_command", raw("Ring is OK, 4 ports"))
	eng := newTestEngine(t, inv, WithHub(hub))

	unsubscribe := eng.Subscribe("no-such-run", func(schema.ExecutionEvent) {
		t.Error("unexpected event for unknown execution")
	}, streaming.SubscribeOptions{Replay: true})
	require.NotNil(t, unsubscribe)
	unsubscribe()
	assert.Empty(t, hub.subscribed())
	assert.Nil(t, hub.History("no-such-run"))

	res := runWorkflow(t, eng, ringWorkflow(), schema.ErrorHandlingStop)
	defer eng.Subscribe(res.ID, func(schema.ExecutionEvent) {}, streaming.SubscribeOptions{})()
	assert.Equal(t, []string{res.ID}, hub.subscribed())
}

func TestEngine_SubscribeReplaysHistory(t *testing.T) {
	inv := newMockInvoker().on("ssh_command", raw("Ring is OK, 4 ports"))
	eng := newTestEngine(t, inv)
	res := runWorkflow(t, eng, ringWorkflow(), schema.ErrorHandlingStop)

	var mu sync.Mutex
	var events []schema.ExecutionEvent
	unsubscribe := eng.Subscribe(res.ID, func(ev schema.ExecutionEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, streaming.SubscribeOptions{Replay: true})
	defer unsubscribe()

	want := len(eng.Hub().History(res.ID))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == want
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventExecutionCompleted, events[len(events)-1].Type)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	var started, completed int
	for _, ev := range events {
		switch ev.Type {
		case schema.EventNodeStarted:
			started++
		case schema.EventNodeCompleted:
			completed++
		}
	}
	assert.Equal(t, 4, started)
	assert.Equal(t, 4, completed)
}

// --- Retention ---

type memoryStore struct {
	mu      sync.Mutex
	results map[string]*schema.ExecutionResult
	events  map[string][]schema.ExecutionEvent
	fail    bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		results: make(map[string]*schema.ExecutionResult),
		events:  make(map[string][]schema.ExecutionEvent),
	}
}

func (s *memoryStore) SaveResult(_ context.Context, res *schema.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.results[res.ID] = res.Clone()
	return nil
}

func (s *memoryStore) GetResult(_ context.Context, id string) (*schema.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	if !ok {
		return nil, nil
	}
	return res.Clone(), nil
}

func (s *memoryStore) SaveEvents(_ context.Context, id string, events []schema.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id] = append([]schema.ExecutionEvent(nil), events...)
	return nil
}

func TestEngine_RetentionFallsBackToStore(t *testing.T) {
	store := newMemoryStore()
	inv := newMockInvoker().on("ssh_command", raw("Ring is OK, 4 ports"))
	eng := newTestEngine(t, inv,
		WithStore(store),
		WithConfig(Config{RetentionTTL: 50 * time.Millisecond}),
	)

	res := runWorkflow(t, eng, ringWorkflow(), schema.ErrorHandlingStop)

	store.mu.Lock()
	assert.Contains(t, store.results, res.ID)
	assert.NotEmpty(t, store.events[res.ID])
	store.mu.Unlock()

	require.Eventually(t, func() bool {
		_, ok := eng.retained.Get(res.ID)
		return !ok && len(eng.Hub().History(res.ID)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	got, err := eng.GetExecutionResult(context.Background(), res.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, schema.RunCompleted, got.Status)
	assert.Equal(t, res.Metrics, got.Metrics)
}

func TestEngine_StoreFailureDoesNotFailRun(t *testing.T) {
	store := newMemoryStore()
	store.fail = true
	inv := newMockInvoker().on("ssh_command", raw("Ring is OK, 4 ports"))
	eng := newTestEngine(t, inv, WithStore(store))

	res := runWorkflow(t, eng, ringWorkflow(), schema.ErrorHandlingStop)
	assert.Equal(t, schema.RunCompleted, res.Status)

	got, err := eng.GetExecutionResult(context.Background(), res.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestEngine_ConcurrentRuns(t *testing.T) {
	inv := newMockInvoker().on("ssh_command", raw("Ring is OK, 4 ports"))
	eng := newTestEngine(t, inv)
	plan := eng.Compile(ringWorkflow())
	require.True(t, plan.Valid)

	const runs = 20
	ids := make([]string, runs)
	for i := range ids {
		id, err := eng.ExecutePlan(context.Background(), plan, nil, schema.ExecuteOptions{ExecutionID: fmt.Sprintf("run-%d", i)})
		require.NoError(t, err)
		ids[i] = id
	}
	for _, id := range ids {
		res, err := eng.Wait(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, schema.RunCompleted, res.Status, id)
	}
}
