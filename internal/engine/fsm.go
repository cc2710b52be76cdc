package engine

import (
	"sync"

	"github.com/rendis/blockflow/pkg/schema"
)

// TransitionHook is called after a run enters a status. Its error is
// returned from Transition; the status change stands.
type TransitionHook func(from, to schema.RunStatus) error

// ValidRunTransitions defines the allowed state transitions for executions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunPending: {schema.RunRunning, schema.RunCancelled},
	schema.RunRunning: {schema.RunPaused, schema.RunCompleted, schema.RunFailed, schema.RunCancelled},
	schema.RunPaused:  {schema.RunRunning, schema.RunCancelled, schema.RunFailed},
}

// RunFSM tracks the lifecycle status of one execution.
type RunFSM struct {
	mu     sync.Mutex
	status schema.RunStatus
	enter  map[schema.RunStatus][]TransitionHook
}

// NewRunFSM creates a RunFSM in the pending state.
func NewRunFSM() *RunFSM {
	return &RunFSM{
		status: schema.RunPending,
		enter:  make(map[schema.RunStatus][]TransitionHook),
	}
}

// Status returns the current status.
func (f *RunFSM) Status() schema.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// OnEnter registers a hook called after any transition into to.
func (f *RunFSM) OnEnter(to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enter[to] = append(f.enter[to], hook)
}

// Transition moves the run to status to. Hooks run with the FSM locked and
// must not call back into it.
func (f *RunFSM) Transition(executionID string, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.status
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	f.status = to
	for _, hook := range f.enter[to] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// runEventType maps a target status to the event announcing it.
func runEventType(from, to schema.RunStatus) schema.EventType {
	switch to {
	case schema.RunRunning:
		if from == schema.RunPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.RunPaused:
		return schema.EventExecutionPaused
	case schema.RunCompleted:
		return schema.EventExecutionCompleted
	case schema.RunFailed:
		return schema.EventExecutionFailed
	case schema.RunCancelled:
		return schema.EventExecutionCancelled
	}
	return ""
}
