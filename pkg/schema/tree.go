package schema

import (
	"sort"
	"time"
)

// Walk visits n and every descendant depth-first, including loop iteration
// children. Returning false from fn stops the walk.
func (n *ExecutionNode) Walk(fn func(*ExecutionNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	for _, it := range n.Iterations {
		for _, c := range it.Children {
			if !c.Walk(fn) {
				return false
			}
		}
	}
	return true
}

// FindNode returns the execution node with the given id, or nil.
func (n *ExecutionNode) FindNode(id string) *ExecutionNode {
	var found *ExecutionNode
	n.Walk(func(x *ExecutionNode) bool {
		if x.ID == id {
			found = x
			return false
		}
		return true
	})
	return found
}

// Flatten returns every node of the subtree in depth-first order.
func (n *ExecutionNode) Flatten() []*ExecutionNode {
	var out []*ExecutionNode
	n.Walk(func(x *ExecutionNode) bool {
		out = append(out, x)
		return true
	})
	return out
}

// Clone deep-copies the subtree. Output values are shared; they are never
// mutated after a node completes.
func (n *ExecutionNode) Clone() *ExecutionNode {
	if n == nil {
		return nil
	}
	c := *n
	c.StartedAt = cloneTime(n.StartedAt)
	c.CompletedAt = cloneTime(n.CompletedAt)
	if n.Result != nil {
		r := *n.Result
		r.Logs = append([]string(nil), n.Result.Logs...)
		if n.Result.ExtractedVariables != nil {
			r.ExtractedVariables = make(map[string]any, len(n.Result.ExtractedVariables))
			for k, v := range n.Result.ExtractedVariables {
				r.ExtractedVariables[k] = v
			}
		}
		c.Result = &r
	}
	c.Children = cloneNodes(n.Children)
	if n.Iterations != nil {
		c.Iterations = make([]*LoopIteration, len(n.Iterations))
		for i, it := range n.Iterations {
			ic := *it
			ic.StartedAt = cloneTime(it.StartedAt)
			ic.CompletedAt = cloneTime(it.CompletedAt)
			ic.Children = cloneNodes(it.Children)
			c.Iterations[i] = &ic
		}
	}
	if n.ParallelBranches != nil {
		c.ParallelBranches = make([]*ParallelBranch, len(n.ParallelBranches))
		for i, b := range n.ParallelBranches {
			bc := *b
			bc.NodeIDs = append([]string(nil), b.NodeIDs...)
			bc.StartedAt = cloneTime(b.StartedAt)
			bc.CompletedAt = cloneTime(b.CompletedAt)
			c.ParallelBranches[i] = &bc
		}
	}
	return &c
}

func cloneNodes(nodes []*ExecutionNode) []*ExecutionNode {
	if nodes == nil {
		return nil
	}
	out := make([]*ExecutionNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ComputeMetrics counts node statuses over the tree. It is a pure function
// of the tree, so calling it repeatedly yields the same value.
func ComputeMetrics(root *ExecutionNode) Metrics {
	var m Metrics
	root.Walk(func(n *ExecutionNode) bool {
		m.TotalSteps++
		if n.ExecutionState == StateCompleted {
			m.CompletedSteps++
		}
		switch n.Status {
		case StatusPassed:
			m.PassedSteps++
		case StatusFailed:
			m.FailedSteps++
		case StatusSkipped:
			m.SkippedSteps++
		case StatusWarning:
			m.WarningSteps++
		}
		return true
	})
	denom := m.TotalSteps - m.SkippedSteps
	if denom <= 0 {
		m.SuccessRate = 100
	} else {
		m.SuccessRate = float64(m.PassedSteps) / float64(denom) * 100
	}
	return m
}

// FindNode returns the execution node with the given id, or nil.
func (r *ExecutionResult) FindNode(id string) *ExecutionNode {
	if r == nil || r.RootNode == nil {
		return nil
	}
	return r.RootNode.FindNode(id)
}

// Flatten returns every node of the result tree in depth-first order.
func (r *ExecutionResult) Flatten() []*ExecutionNode {
	if r == nil || r.RootNode == nil {
		return nil
	}
	return r.RootNode.Flatten()
}

// RecomputeMetrics refreshes Metrics from the tree.
func (r *ExecutionResult) RecomputeMetrics() {
	r.Metrics = ComputeMetrics(r.RootNode)
}

// SummarizeLoop condenses the iterations of the loop node with the given id.
// It returns nil when the node does not exist or is not a loop.
func (r *ExecutionResult) SummarizeLoop(nodeID string) *LoopSummary {
	n := r.FindNode(nodeID)
	if n == nil || !n.IsLoop {
		return nil
	}
	return SummarizeIterations(n.ID, n.Iterations)
}

// SummarizeIterations builds a LoopSummary from an iteration list.
func SummarizeIterations(nodeID string, iterations []*LoopIteration) *LoopSummary {
	s := &LoopSummary{NodeID: nodeID, TotalIterations: len(iterations)}
	timed := 0
	for _, it := range iterations {
		switch it.Status {
		case StatusPassed:
			s.PassedIterations++
		case StatusFailed:
			s.FailedIterations++
			if s.FirstFailure == nil {
				s.FirstFailure = it
			}
		case StatusSkipped:
			s.SkippedIterations++
		case StatusWarning:
			s.WarningIterations++
		}
		if it.CompletedAt != nil && it.Status != StatusSkipped {
			s.TotalDurationMs += it.DurationMs
			timed++
		}
	}
	if timed > 0 {
		s.AverageDurationMs = s.TotalDurationMs / int64(timed)
	}
	return s
}

// Clone deep-copies the result for handing out to readers.
func (r *ExecutionResult) Clone() *ExecutionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.RootNode = r.RootNode.Clone()
	if r.Variables != nil {
		c.Variables = make(map[string]any, len(r.Variables))
		for k, v := range r.Variables {
			c.Variables[k] = v
		}
	}
	c.Errors = append([]ExecutionError(nil), r.Errors...)
	return &c
}

// CollectErrors returns the recorded errors ordered by where their node sits
// in the tree. Errors whose node is not in the tree keep their relative order
// at the end.
func (r *ExecutionResult) CollectErrors() []ExecutionError {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	pos := make(map[string]int)
	for i, n := range r.Flatten() {
		pos[n.ID] = i
	}
	out := append([]ExecutionError(nil), r.Errors...)
	rank := func(e ExecutionError) int {
		if p, ok := pos[e.NodeID]; ok {
			return p
		}
		return len(pos)
	}
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}
