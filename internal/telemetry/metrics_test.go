package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

func event(typ schema.EventType, execID string, ts time.Time, payload map[string]any) schema.ExecutionEvent {
	return schema.ExecutionEvent{Type: typ, ExecutionID: execID, Timestamp: ts, Payload: payload}
}

func TestObserveExecutionLifecycle(t *testing.T) {
	m := New(false)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Observe(event(schema.EventExecutionStarted, "e1", start, map[string]any{"status": "running"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsRunning))

	m.Observe(event(schema.EventExecutionFailed, "e1", start.Add(2*time.Second), map[string]any{"status": "failed"}))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ExecutionsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsFinished.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ExecutionsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ExecutionDuration))

	// A terminal event without a start does not drive the gauge negative.
	m.Observe(event(schema.EventExecutionCancelled, "e2", start, map[string]any{"status": "cancelled"}))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ExecutionsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsFinished.WithLabelValues("cancelled")))
}

func TestObserveNodes(t *testing.T) {
	m := New(false)
	now := time.Now()

	m.Observe(event(schema.EventNodeCompleted, "e1", now, map[string]any{
		"block_type": "ssh_command", "status": "passed", "duration_ms": int64(120),
	}))
	m.Observe(event(schema.EventNodeFailed, "e1", now, map[string]any{
		"block_type": "ssh_command", "status": "failed", "duration_ms": 40.0,
	}))
	m.Observe(event(schema.EventNodeSkipped, "e1", now, map[string]any{
		"block_type": "analysis.output_interpreter", "reason": "dependency failed",
	}))
	m.Observe(event(schema.EventIterationCompleted, "e1", now, map[string]any{"index": 0, "status": "passed"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodesFinished.WithLabelValues("ssh_command", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodesFinished.WithLabelValues("ssh_command", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodesFinished.WithLabelValues("analysis.output_interpreter", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Iterations.WithLabelValues("passed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.NodeDuration))
}

func TestObserveParallelPeak(t *testing.T) {
	m := New(false)
	now := time.Now()

	m.Observe(event(schema.EventNodeCompleted, "e1", now, map[string]any{
		"block_type": schema.BlockParallel, "status": "passed", "duration_ms": int64(30), "peak_concurrency": int64(3),
	}))
	m.Observe(event(schema.EventNodeCompleted, "e1", now, map[string]any{
		"block_type": "ssh_command", "status": "passed", "duration_ms": int64(10),
	}))

	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range mfs {
		if mf.GetName() != "blockflow_parallel_peak_branches" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(1), h.GetSampleCount())
		assert.Equal(t, 3.0, h.GetSampleSum())
	}
	assert.True(t, found)
}

func TestAttachToHub(t *testing.T) {
	m := New(false)
	hub := streaming.NewMemoryHub()
	cancel := m.Attach(hub)
	defer cancel()

	hub.Publish(schema.ExecutionEvent{Type: schema.EventExecutionStarted, ExecutionID: "e1", Payload: map[string]any{"status": "running"}})
	hub.Publish(schema.ExecutionEvent{Type: schema.EventLog, ExecutionID: "e1", Payload: map[string]any{"message": "hi"}})
	hub.Publish(schema.ExecutionEvent{Type: schema.EventExecutionCompleted, ExecutionID: "e1", Payload: map[string]any{"status": "completed"}})

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ExecutionsFinished.WithLabelValues("completed")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsStarted))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(true)
	m.Observe(event(schema.EventExecutionStarted, "e1", time.Now(), nil))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "blockflow_executions_started_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(false), New(false)
	a.ExecutionsStarted.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ExecutionsStarted))
}
