package schema

import "time"

// RunStatus represents the lifecycle state of an execution.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// ExecutionState is the raw outcome of invoking a block.
type ExecutionState string

const (
	StatePending   ExecutionState = "pending"
	StateRunning   ExecutionState = "running"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
)

// InterpretedResult is the verdict derived from the pass condition.
type InterpretedResult string

const (
	InterpretedPending        InterpretedResult = "pending"
	InterpretedPassed         InterpretedResult = "passed"
	InterpretedFailed         InterpretedResult = "failed"
	InterpretedWarning        InterpretedResult = "warning"
	InterpretedRequiresReview InterpretedResult = "requires_review"
	InterpretedNotApplicable  InterpretedResult = "not_applicable"
)

// NodeStatus is the display status combining state and verdict.
type NodeStatus string

const (
	StatusPending NodeStatus = "pending"
	StatusRunning NodeStatus = "running"
	StatusPassed  NodeStatus = "passed"
	StatusFailed  NodeStatus = "failed"
	StatusSkipped NodeStatus = "skipped"
	StatusWarning NodeStatus = "warning"
)

// IsTerminal reports whether the status is final.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusWarning:
		return true
	}
	return false
}

// DeriveStatus maps the two-phase outcome onto a display status.
func DeriveStatus(state ExecutionState, verdict InterpretedResult) NodeStatus {
	switch state {
	case StatePending:
		return StatusPending
	case StateRunning:
		return StatusRunning
	case StateFailed:
		return StatusFailed
	}
	switch verdict {
	case InterpretedFailed:
		return StatusFailed
	case InterpretedWarning, InterpretedRequiresReview:
		return StatusWarning
	}
	return StatusPassed
}

// NodeResult holds what a block produced and how it was judged.
type NodeResult struct {
	Output             any            `json:"output,omitempty"`
	RawOutput          string         `json:"raw_output,omitempty"`
	Error              string         `json:"error,omitempty"`
	ErrorCode          string         `json:"error_code,omitempty"`
	Logs               []string       `json:"logs,omitempty"`
	ExtractedVariables map[string]any `json:"extracted_variables,omitempty"`
	ExtractedValue     any            `json:"extracted_value,omitempty"`
	Interpretation     *Evaluation    `json:"interpretation,omitempty"`
}

// ExecutionNode is one block execution in the result tree.
type ExecutionNode struct {
	ID                string            `json:"id"`
	BlockID           string            `json:"block_id"`
	BlockType         string            `json:"block_type"`
	BlockName         string            `json:"block_name"`
	BlockCategory     BlockCategory     `json:"block_category"`
	ExecutionState    ExecutionState    `json:"execution_state"`
	InterpretedResult InterpretedResult `json:"interpreted_result"`
	Status            NodeStatus        `json:"status"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	DurationMs        int64             `json:"duration_ms"`
	PassCondition     *PassCondition    `json:"pass_condition,omitempty"`
	Result            *NodeResult       `json:"result,omitempty"`
	Children          []*ExecutionNode  `json:"children,omitempty"`
	Depth             int               `json:"depth"`

	IsLoop          bool             `json:"is_loop,omitempty"`
	Iterations      []*LoopIteration `json:"iterations,omitempty"`
	TotalIterations int              `json:"total_iterations,omitempty"`

	IsParallel       bool              `json:"is_parallel,omitempty"`
	ParallelBranches []*ParallelBranch `json:"parallel_branches,omitempty"`
}

// LoopIteration is one pass through a loop body.
type LoopIteration struct {
	Index          int              `json:"index"`
	Status         NodeStatus       `json:"status"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	DurationMs     int64            `json:"duration_ms"`
	IterationValue any              `json:"iteration_value,omitempty"`
	Children       []*ExecutionNode `json:"children,omitempty"`
	IsExpanded     bool             `json:"is_expanded"`
}

// ParallelBranch groups the children of a parallel node that belong to one branch.
type ParallelBranch struct {
	Index       int        `json:"index"`
	EntryNodeID string     `json:"entry_node_id"`
	NodeIDs     []string   `json:"node_ids"`
	Status      NodeStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrorKind classifies entries of ExecutionResult.Errors.
type ErrorKind string

const (
	ErrorKindInvocation     ErrorKind = "invocation"
	ErrorKindInterpretation ErrorKind = "interpretation"
	ErrorKindOrchestration  ErrorKind = "orchestration"
)

// ExecutionError is one failure recorded against a run.
type ExecutionError struct {
	NodeID    string    `json:"node_id,omitempty"`
	BlockID   string    `json:"block_id,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics are aggregate counts over the result tree.
type Metrics struct {
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	PassedSteps    int     `json:"passed_steps"`
	FailedSteps    int     `json:"failed_steps"`
	SkippedSteps   int     `json:"skipped_steps"`
	WarningSteps   int     `json:"warning_steps"`
	SuccessRate    float64 `json:"success_rate"`
}

// ExecutionResult is the live or final state of one run.
type ExecutionResult struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name,omitempty"`
	Status       RunStatus        `json:"status"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Metrics      Metrics          `json:"metrics"`
	RootNode     *ExecutionNode   `json:"root_node,omitempty"`
	Variables    map[string]any   `json:"variables,omitempty"`
	Errors       []ExecutionError `json:"errors,omitempty"`
	Options      ExecuteOptions   `json:"options"`
}

// LoopSummary condenses the iterations of a loop node.
type LoopSummary struct {
	NodeID            string         `json:"node_id"`
	TotalIterations   int            `json:"total_iterations"`
	PassedIterations  int            `json:"passed_iterations"`
	FailedIterations  int            `json:"failed_iterations"`
	SkippedIterations int            `json:"skipped_iterations"`
	WarningIterations int            `json:"warning_iterations"`
	TotalDurationMs   int64          `json:"total_duration_ms"`
	AverageDurationMs int64          `json:"average_duration_ms"`
	FirstFailure      *LoopIteration `json:"first_failure,omitempty"`
}
