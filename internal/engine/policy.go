package engine

import "github.com/rendis/blockflow/pkg/schema"

// FailureDecision describes what a finished node means for the rest of the run.
type FailureDecision struct {
	// BlockDependents is true when nodes downstream of the node must be skipped.
	BlockDependents bool
	// HaltRun is true when no further node may start.
	HaltRun bool
}

// DecideFailure applies the error handling mode to a finished node.
//
// Under stop any failed node halts the run. Under continue only a failed
// invocation (or orchestration) blocks dependents; a failed interpretation
// still lets them run. Under skip-branch every failed node blocks its
// dependents, and the rest of the graph keeps going.
func DecideFailure(mode schema.ErrorHandling, n *schema.ExecutionNode) FailureDecision {
	if n == nil || n.Status != schema.StatusFailed {
		return FailureDecision{}
	}
	switch mode {
	case schema.ErrorHandlingContinue:
		return FailureDecision{BlockDependents: n.ExecutionState == schema.StateFailed}
	case schema.ErrorHandlingSkipBranch:
		return FailureDecision{BlockDependents: true}
	default:
		return FailureDecision{BlockDependents: true, HaltRun: true}
	}
}
