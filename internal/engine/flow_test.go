package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/internal/invoker"
	"github.com/rendis/blockflow/pkg/schema"
)

func loopWorkflow(params map[string]any) *schema.Workflow {
	return workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			withParams(node("loop", schema.BlockLoop), params),
			withParams(node("work", "work"), map[string]any{"value": "{{item}}", "index": "{{loop.index}}"}),
			node("end", schema.BlockEnd),
		},
		[]schema.Edge{
			edge("start", "loop"),
			labeled("loop", "work", "body"),
			labeled("loop", "end", "done"),
		},
	)
}

// failOn fails when params.value equals bad and records every value seen.
func failOn(bad string, seen *[]any, mu *sync.Mutex) handlerFn {
	return func(_ context.Context, params map[string]any) (invoker.Outcome, error) {
		mu.Lock()
		*seen = append(*seen, params["value"])
		mu.Unlock()
		if params["value"] == bad {
			return invoker.Failed("", "bad item "+bad), nil
		}
		return invoker.Succeeded(params["value"], "ok"), nil
	}
}

// --- Loop ---

func TestLoop_IterationAccountingUnderContinue(t *testing.T) {
	var mu sync.Mutex
	var seen []any
	inv := newMockInvoker().on("work", failOn("c", &seen, &mu))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, loopWorkflow(map[string]any{
		"items": []any{"a", "b", "c", "d", "e"},
	}), schema.ErrorHandlingContinue)

	loop := res.FindNode("loop")
	require.NotNil(t, loop)
	require.Len(t, loop.Iterations, 5)
	assert.Equal(t, 5, loop.TotalIterations)
	failed := 0
	for i, it := range loop.Iterations {
		assert.Equal(t, i, it.Index)
		if it.Status == schema.StatusFailed {
			failed++
			assert.Equal(t, "c", it.IterationValue)
		}
		assert.Equal(t, i == 2, it.IsExpanded, "iteration %d", i)
		require.Len(t, it.Children, 1)
		assert.Equal(t, loop.ID+".iter_"+strconv.Itoa(i)+".work", it.Children[0].ID)
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, seen)

	summary, err := eng.SummarizeLoop(context.Background(), res.ID, "loop")
	require.NoError(t, err)
	assert.Equal(t, 5, summary.TotalIterations)
	assert.Equal(t, 1, summary.FailedIterations)
	assert.Equal(t, 4, summary.PassedIterations)
	require.NotNil(t, summary.FirstFailure)
	assert.Equal(t, 2, summary.FirstFailure.Index)

	assert.Equal(t, schema.StateCompleted, loop.ExecutionState)
	assert.Equal(t, schema.InterpretedFailed, loop.InterpretedResult)
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "end"))
	assert.Equal(t, schema.RunCompleted, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "loop.iter_2.work", res.Errors[0].NodeID)
}

func TestLoop_OnlyFirstFailedIterationExpanded(t *testing.T) {
	inv := newMockInvoker().on("work", func(_ context.Context, params map[string]any) (invoker.Outcome, error) {
		if v := params["value"]; v == "b" || v == "d" {
			return invoker.Failed("", "bad item"), nil
		}
		return invoker.Succeeded(params["value"], "ok"), nil
	})
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, loopWorkflow(map[string]any{
		"items": []any{"a", "b", "c", "d"},
	}), schema.ErrorHandlingContinue)

	loop := res.FindNode("loop")
	require.NotNil(t, loop)
	require.Len(t, loop.Iterations, 4)
	assert.Equal(t, schema.StatusFailed, loop.Iterations[3].Status)
	assert.False(t, loop.Iterations[3].IsExpanded)
	assert.True(t, loop.Iterations[1].IsExpanded)
}

func TestExpandFirstFailure_LowestIndexWins(t *testing.T) {
	n := &schema.ExecutionNode{Iterations: []*schema.LoopIteration{
		{Index: 3, Status: schema.StatusFailed, IsExpanded: true},
		{Index: 0, Status: schema.StatusPassed},
		{Index: 1, Status: schema.StatusFailed},
	}}
	expandFirstFailure(n)
	assert.False(t, n.Iterations[0].IsExpanded)
	assert.False(t, n.Iterations[1].IsExpanded)
	assert.True(t, n.Iterations[2].IsExpanded)
}

func TestLoop_StopSkipsRemainingIterations(t *testing.T) {
	var mu sync.Mutex
	var seen []any
	inv := newMockInvoker().on("work", failOn("b", &seen, &mu))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, loopWorkflow(map[string]any{
		"items": []any{"a", "b", "c", "d"},
	}), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunFailed, res.Status)
	loop := res.FindNode("loop")
	require.Len(t, loop.Iterations, 4)
	assert.Equal(t, schema.StatusPassed, loop.Iterations[0].Status)
	assert.Equal(t, schema.StatusFailed, loop.Iterations[1].Status)
	assert.Equal(t, schema.StatusSkipped, loop.Iterations[2].Status)
	assert.Equal(t, schema.StatusSkipped, loop.Iterations[3].Status)
	assert.Equal(t, []any{"a", "b"}, seen)
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "end"))
}

func TestLoop_Count(t *testing.T) {
	var indices []any
	inv := newMockInvoker().on("work", func(_ context.Context, params map[string]any) (invoker.Outcome, error) {
		indices = append(indices, params["index"])
		return invoker.Succeeded(nil, ""), nil
	})
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, loopWorkflow(map[string]any{"count": 3}), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, []any{0, 1, 2}, indices)
	loop := res.FindNode("loop")
	require.NotNil(t, loop.Result)
	assert.Equal(t, map[string]any{"iterations": 3, "failed": 0}, loop.Result.Output)
}

func TestLoop_ItemsFromInputs(t *testing.T) {
	var mu sync.Mutex
	var seen []any
	inv := newMockInvoker().on("work", failOn("", &seen, &mu))
	eng := newTestEngine(t, inv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := eng.Run(ctx, loopWorkflow(map[string]any{"items": "{{inputs.hosts}}"}),
		map[string]any{"hosts": []any{"sw-1", "sw-2"}}, schema.ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, []any{"sw-1", "sw-2"}, seen)
}

func TestLoop_OverExpression(t *testing.T) {
	var mu sync.Mutex
	var seen []any
	inv := newMockInvoker().on("work", failOn("", &seen, &mu))
	eng := newTestEngine(t, inv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := eng.Run(ctx, loopWorkflow(map[string]any{"over": "inputs.ports.filter(p, p > 2)"}),
		map[string]any{"ports": []any{1, 2, 3, 4}}, schema.ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunCompleted, res.Status)
	require.Len(t, seen, 2)
	assert.EqualValues(t, 3, seen[0])
	assert.EqualValues(t, 4, seen[1])
}

func TestLoop_While(t *testing.T) {
	eng := newTestEngine(t, newMockInvoker())

	res := runWorkflow(t, eng, loopWorkflow(map[string]any{
		"mode": "while", "condition": "loop.index < 3",
	}), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Len(t, res.FindNode("loop").Iterations, 3)
}

func TestLoop_UntilRunsBodyFirst(t *testing.T) {
	eng := newTestEngine(t, newMockInvoker())

	res := runWorkflow(t, eng, loopWorkflow(map[string]any{
		"mode": "until", "condition": "true",
	}), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Len(t, res.FindNode("loop").Iterations, 1)
}

func TestLoop_IterationLimit(t *testing.T) {
	inv := newMockInvoker()
	eng := newTestEngine(t, inv, WithConfig(Config{MaxLoopIterations: 4}))

	t.Run("known count fails up front", func(t *testing.T) {
		res := runWorkflow(t, eng, loopWorkflow(map[string]any{"count": 5}), schema.ErrorHandlingStop)

		assert.Equal(t, schema.RunFailed, res.Status)
		loop := res.FindNode("loop")
		assert.Equal(t, schema.StateFailed, loop.ExecutionState)
		assert.Empty(t, loop.Iterations)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, schema.ErrorKindOrchestration, res.Errors[0].Kind)
		assert.Equal(t, 0, inv.callCount("work"))
	})

	t.Run("max_iterations lowers the cap", func(t *testing.T) {
		res := runWorkflow(t, eng, loopWorkflow(map[string]any{"count": 3, "max_iterations": 2}), schema.ErrorHandlingStop)
		assert.Equal(t, schema.RunFailed, res.Status)
	})

	t.Run("unbounded while fails at the cap", func(t *testing.T) {
		res := runWorkflow(t, eng, loopWorkflow(map[string]any{"mode": "while", "condition": "true"}), schema.ErrorHandlingStop)

		assert.Equal(t, schema.RunFailed, res.Status)
		loop := res.FindNode("loop")
		assert.Len(t, loop.Iterations, 4)
		assert.Equal(t, schema.StateFailed, loop.ExecutionState)
	})
}

func TestLoop_EmitsIterationEvents(t *testing.T) {
	eng := newTestEngine(t, newMockInvoker())
	res := runWorkflow(t, eng, loopWorkflow(map[string]any{"count": 2}), schema.ErrorHandlingStop)

	var started, completed int
	for _, ev := range eng.Hub().History(res.ID) {
		switch ev.Type {
		case schema.EventIterationStarted:
			started++
			require.NotNil(t, ev.IterationIndex)
		case schema.EventIterationCompleted:
			completed++
		case schema.EventNodeStarted:
			if ev.NodeID == "loop.iter_1.work" {
				require.NotNil(t, ev.IterationIndex)
				assert.Equal(t, 1, *ev.IterationIndex)
			}
		}
	}
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, completed)
}

// --- Condition ---

func conditionWorkflow(params map[string]any) *schema.Workflow {
	return workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			node("poll", "poll"),
			withParams(node("cond", schema.BlockCondition), params),
			node("yes", "yes"),
			node("no", "no"),
			node("after_no", "after_no"),
			node("end", schema.BlockEnd),
		},
		[]schema.Edge{
			edge("start", "poll"),
			edge("poll", "cond"),
			labeled("cond", "yes", "true"),
			labeled("cond", "no", "false"),
			edge("no", "after_no"),
			edge("yes", "end"),
			edge("after_no", "end"),
		},
	)
}

func TestCondition_RoutesByExpression(t *testing.T) {
	inv := newMockInvoker().on("poll", raw("up"))
	eng := newTestEngine(t, inv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := eng.Run(ctx, conditionWorkflow(map[string]any{"expression": "inputs.flag == true"}),
		map[string]any{"flag": true}, schema.ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "yes"))
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "no"))
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "after_no"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "end"))
	assert.Equal(t, 0, inv.callCount("no"))

	cond := res.FindNode("cond")
	assert.Equal(t, map[string]any{"result": true, "branch": "true"}, cond.Result.Output)
	assert.Equal(t, schema.InterpretedNotApplicable, cond.InterpretedResult)
}

func TestCondition_RoutesByPassCondition(t *testing.T) {
	inv := newMockInvoker().on("poll", raw("link down"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, conditionWorkflow(map[string]any{
		"condition": map[string]any{"type": "contains", "value": "link up"},
	}), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "yes"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "no"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "after_no"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "end"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "cond"))
}

func TestCondition_NonBooleanExpressionFails(t *testing.T) {
	eng := newTestEngine(t, newMockInvoker())

	res := runWorkflow(t, eng, conditionWorkflow(map[string]any{"expression": "'yes'"}), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunFailed, res.Status)
	cond := res.FindNode("cond")
	assert.Equal(t, schema.StateFailed, cond.ExecutionState)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrorKindOrchestration, res.Errors[0].Kind)
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "yes"))
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "no"))
}

// --- Parallel ---

func parallelWorkflow(params map[string]any) *schema.Workflow {
	return workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			withParams(node("par", schema.BlockParallel), params),
			node("b1", "branch"),
			node("b2", "branch"),
			node("b3", "slow"),
			node("b3_next", "next"),
			node("end", schema.BlockEnd),
		},
		[]schema.Edge{
			edge("start", "par"),
			edge("par", "b1"),
			edge("par", "b2"),
			edge("par", "b3"),
			edge("b3", "b3_next"),
			labeled("par", "end", "done"),
		},
	)
}

func TestParallel_WaitAllRespectsMaxConcurrent(t *testing.T) {
	var running, peak int64
	track := func(_ context.Context, _ map[string]any) (invoker.Outcome, error) {
		n := atomic.AddInt64(&running, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		return invoker.Succeeded(nil, "ok"), nil
	}
	inv := newMockInvoker().on("branch", track).on("slow", track)
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, parallelWorkflow(map[string]any{"max_concurrent": 1}), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(&peak))

	par := res.FindNode("par")
	require.NotNil(t, par.Result)
	out, ok := par.Result.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, out["max_concurrent"])
	assert.Equal(t, int64(1), out["peak_concurrency"])
	require.Len(t, par.ParallelBranches, 3)
	for _, b := range par.ParallelBranches {
		assert.Equal(t, schema.StatusPassed, b.Status)
	}
	assert.Equal(t, []string{"b3", "b3_next"}, par.ParallelBranches[2].NodeIDs)
	assert.Equal(t, "b3", par.ParallelBranches[2].EntryNodeID)
	assert.Equal(t, map[string]any{"branches": 3, "completed": 3, "failed": 0, "wait_all": true}, par.Result.Output)
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "b3_next"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "end"))
}

func TestParallel_BranchesRunConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(3)
	barrier := func(ctx context.Context, _ map[string]any) (invoker.Outcome, error) {
		arrived.Done()
		done := make(chan struct{})
		go func() { arrived.Wait(); close(done) }()
		select {
		case <-done:
			return invoker.Succeeded(nil, "ok"), nil
		case <-ctx.Done():
			return invoker.Outcome{}, ctx.Err()
		}
	}
	inv := newMockInvoker().on("branch", barrier).on("slow", barrier)
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, parallelWorkflow(nil), schema.ErrorHandlingStop)
	assert.Equal(t, schema.RunCompleted, res.Status)
}

func TestParallel_FirstCompleteLeavesOthersRunning(t *testing.T) {
	release := make(chan struct{})
	inv := newMockInvoker().on("slow", blocking(release))
	eng := newTestEngine(t, inv)

	id, err := eng.Execute(context.Background(), parallelWorkflow(map[string]any{"wait_all": false}), nil, schema.ExecuteOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		res, _ := eng.GetExecutionResult(ctx, id)
		return res != nil && res.FindNode("end").Status == schema.StatusPassed
	}, 2*time.Second, 5*time.Millisecond)

	res, err := eng.GetExecutionResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunRunning, res.Status)
	assert.Equal(t, schema.StatusRunning, res.FindNode("b3").Status)

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err = eng.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunCompleted, res.Status)
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "b3_next"))
	assert.Equal(t, schema.StatusPassed, res.FindNode("par").ParallelBranches[2].Status)
}

func TestParallel_FailedBranchUnderContinue(t *testing.T) {
	inv := newMockInvoker().on("slow", failing("unreachable host"))
	eng := newTestEngine(t, inv)

	res := runWorkflow(t, eng, parallelWorkflow(nil), schema.ErrorHandlingContinue)

	assert.Equal(t, schema.RunCompleted, res.Status)
	par := res.FindNode("par")
	assert.Equal(t, schema.InterpretedFailed, par.InterpretedResult)
	assert.Equal(t, schema.StatusFailed, par.ParallelBranches[2].Status)
	assert.Equal(t, schema.StatusPassed, par.ParallelBranches[0].Status)
	assert.Equal(t, schema.StatusSkipped, statusOf(t, res, "b3_next"))
	assert.Equal(t, schema.StatusPassed, statusOf(t, res, "end"))
}

// --- Delay ---

func TestDelay_Waits(t *testing.T) {
	eng := newTestEngine(t, newMockInvoker())

	res := runWorkflow(t, eng, workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			withParams(node("pause", schema.BlockDelay), map[string]any{"duration": "30ms"}),
		},
		[]schema.Edge{edge("start", "pause")},
	), schema.ErrorHandlingStop)

	assert.Equal(t, schema.RunCompleted, res.Status)
	pause := res.FindNode("pause")
	require.NotNil(t, pause.Result)
	waited, ok := pause.Result.Output.(map[string]any)["waited_ms"].(int64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, waited, int64(30))
}

func TestDelay_InterruptedByCancel(t *testing.T) {
	eng := newTestEngine(t, newMockInvoker())

	id, err := eng.Execute(context.Background(), workflow(
		[]schema.Node{
			node("start", schema.BlockStart),
			withParams(node("pause", schema.BlockWait), map[string]any{"ms": 60000}),
		},
		[]schema.Edge{edge("start", "pause")},
	), nil, schema.ExecuteOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, _ := eng.GetExecutionResult(context.Background(), id)
		return res != nil && res.FindNode("pause").Status == schema.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, eng.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := eng.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.RunCancelled, res.Status)
}
