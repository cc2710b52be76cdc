// Package telemetry turns execution events into Prometheus metrics.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

// Metrics holds the collectors fed by the event tap. Each instance owns its
// registry so several engines can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsStarted  prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	ExecutionsRunning  prometheus.Gauge
	ExecutionDuration  *prometheus.HistogramVec
	NodesFinished      *prometheus.CounterVec
	NodeDuration       *prometheus.HistogramVec
	Iterations         *prometheus.CounterVec
	ParallelPeak       prometheus.Histogram

	mu      sync.Mutex
	started map[string]time.Time
}

// New creates the collectors on a fresh registry. The Go and process
// collectors are registered too when withRuntime is set.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		started:  make(map[string]time.Time),

		ExecutionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "blockflow_executions_started_total",
			Help: "Total number of workflow executions started",
		}),
		ExecutionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflow_executions_finished_total",
			Help: "Total number of workflow executions finished by final status",
		}, []string{"status"}),
		ExecutionsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "blockflow_executions_running",
			Help: "Number of executions started and not yet finished",
		}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockflow_execution_duration_seconds",
			Help:    "Wall time of finished executions",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"status"}),
		NodesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflow_nodes_finished_total",
			Help: "Total number of nodes finished by block type and status",
		}, []string{"block_type", "status"}),
		NodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockflow_node_duration_seconds",
			Help:    "Node execution time by block type",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"block_type"}),
		Iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflow_loop_iterations_total",
			Help: "Total number of loop iterations finished by status",
		}, []string{"status"}),
		ParallelPeak: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockflow_parallel_peak_branches",
			Help:    "Most branches a parallel node ran at once",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Attach registers the metrics as a tap on hub and returns its cancel func.
func (m *Metrics) Attach(hub streaming.EventHub) func() {
	return hub.AddTap(m.Observe, streaming.EventFilter{Types: []schema.EventType{
		schema.EventExecutionStarted,
		schema.EventExecutionCompleted,
		schema.EventExecutionFailed,
		schema.EventExecutionCancelled,
		schema.EventNodeCompleted,
		schema.EventNodeFailed,
		schema.EventNodeSkipped,
		schema.EventIterationCompleted,
	}})
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(ev schema.ExecutionEvent) {
	switch ev.Type {
	case schema.EventExecutionStarted:
		m.ExecutionsStarted.Inc()
		m.ExecutionsRunning.Inc()
		m.mu.Lock()
		m.started[ev.ExecutionID] = ev.Timestamp
		m.mu.Unlock()

	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		status := payloadString(ev, "status")
		m.ExecutionsFinished.WithLabelValues(status).Inc()
		m.mu.Lock()
		start, ok := m.started[ev.ExecutionID]
		delete(m.started, ev.ExecutionID)
		m.mu.Unlock()
		if ok {
			m.ExecutionsRunning.Dec()
			m.ExecutionDuration.WithLabelValues(status).Observe(ev.Timestamp.Sub(start).Seconds())
		}

	case schema.EventNodeCompleted, schema.EventNodeFailed:
		blockType := payloadString(ev, "block_type")
		m.NodesFinished.WithLabelValues(blockType, payloadString(ev, "status")).Inc()
		if ms, ok := payloadNumber(ev, "duration_ms"); ok {
			m.NodeDuration.WithLabelValues(blockType).Observe(ms / 1000)
		}
		if peak, ok := payloadNumber(ev, "peak_concurrency"); ok {
			m.ParallelPeak.Observe(peak)
		}

	case schema.EventNodeSkipped:
		m.NodesFinished.WithLabelValues(payloadString(ev, "block_type"), string(schema.StatusSkipped)).Inc()

	case schema.EventIterationCompleted:
		m.Iterations.WithLabelValues(payloadString(ev, "status")).Inc()
	}
}

func payloadString(ev schema.ExecutionEvent, key string) string {
	if s, ok := ev.Payload[key].(string); ok {
		return s
	}
	return "unknown"
}

func payloadNumber(ev schema.ExecutionEvent, key string) (float64, bool) {
	switch v := ev.Payload[key].(type) {
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
