package schema

import "time"

// EventType names a lifecycle event of an execution.
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionPaused    EventType = "execution_paused"
	EventExecutionResumed   EventType = "execution_resumed"
	EventExecutionCancelled EventType = "execution_cancelled"

	EventNodeStarted   EventType = "node_started"
	EventNodeCompleted EventType = "node_completed"
	EventNodeFailed    EventType = "node_failed"
	EventNodeSkipped   EventType = "node_skipped"

	EventIterationStarted   EventType = "iteration_started"
	EventIterationCompleted EventType = "iteration_completed"

	EventLog             EventType = "log"
	EventMetric          EventType = "metric"
	EventVariableUpdated EventType = "variable_updated"
)

// IsTerminal reports whether the event ends an execution.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		return true
	}
	return false
}

// ExecutionEvent is an append-only record of something that happened in a run.
type ExecutionEvent struct {
	Seq            int64          `json:"seq"`
	Type           EventType      `json:"type"`
	ExecutionID    string         `json:"execution_id"`
	NodeID         string         `json:"node_id,omitempty"`
	IterationIndex *int           `json:"iteration_index,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload,omitempty"`
}
