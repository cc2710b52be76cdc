package schema

import (
	"fmt"
	"strings"
)

// CompileErrorType classifies compiler findings.
type CompileErrorType string

const (
	CompileCycle           CompileErrorType = "cycle"
	CompileDanglingEdge    CompileErrorType = "dangling_edge"
	CompileUnreachableNode CompileErrorType = "unreachable_node"
	CompileAmbiguousEntry  CompileErrorType = "ambiguous_entry"
	CompileInvalidNode     CompileErrorType = "invalid_node"
	CompileInvalidConfig   CompileErrorType = "invalid_config"
	CompileInvalidScope    CompileErrorType = "invalid_scope"
	CompileInvalidDocument CompileErrorType = "invalid_document"
)

// Severity indicates whether a finding blocks execution.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// CompileError is a single compiler finding.
type CompileError struct {
	Type     CompileErrorType `json:"type"`
	Message  string           `json:"message"`
	NodeID   string           `json:"node_id,omitempty"`
	Severity Severity         `json:"severity"`
}

// ScopeKind distinguishes loop bodies from parallel branches.
type ScopeKind string

const (
	ScopeLoopBody ScopeKind = "loop_body"
	ScopeBranch   ScopeKind = "branch"
)

// Scope is a nested sub-plan owned by a container node.
type Scope struct {
	Key     string     `json:"key"` // loop id, or "<parallel id>/<branch index>"
	Kind    ScopeKind  `json:"kind"`
	Owner   string     `json:"owner"`
	Index   int        `json:"index"`
	Entries []string   `json:"entries"`
	Levels  [][]string `json:"levels"`
}

// NodeIDs returns every node in the scope in level order.
func (s *Scope) NodeIDs() []string {
	var out []string
	for _, lvl := range s.Levels {
		out = append(out, lvl...)
	}
	return out
}

// CompiledPlan is the validated, leveled form of a workflow. It is not
// mutated after Compile returns and may be executed any number of times.
type CompiledPlan struct {
	WorkflowID     string              `json:"workflow_id"`
	WorkflowName   string              `json:"workflow_name,omitempty"`
	Valid          bool                `json:"valid"`
	Errors         []CompileError      `json:"errors,omitempty"`
	ExecutionOrder [][]string          `json:"execution_order,omitempty"`
	TotalLevels    int                 `json:"total_levels"`
	EntryNodeID    string              `json:"entry_node_id,omitempty"`
	Scopes         map[string][]*Scope `json:"scopes,omitempty"`

	Nodes      map[string]*Node  `json:"-"`
	Order      []string          `json:"-"` // declaration order
	Incoming   map[string][]Edge `json:"-"`
	Outgoing   map[string][]Edge `json:"-"`
	ScopeOf    map[string]string `json:"-"` // node id -> scope key, "" for top level
	RootLevels [][]string        `json:"-"` // ExecutionOrder restricted to top-level nodes
}

// ScopeByKey returns the nested scope with the given key, or nil.
func (p *CompiledPlan) ScopeByKey(key string) *Scope {
	owner, _, _ := strings.Cut(key, "/")
	for _, s := range p.Scopes[owner] {
		if s.Key == key {
			return s
		}
	}
	return nil
}

// LevelsOf returns the level order of a scope key, "" meaning top level.
func (p *CompiledPlan) LevelsOf(key string) [][]string {
	if key == "" {
		return p.RootLevels
	}
	if s := p.ScopeByKey(key); s != nil {
		return s.Levels
	}
	return nil
}

// SameScopeIncoming returns the incoming edges of id whose source lives in
// the same scope.
func (p *CompiledPlan) SameScopeIncoming(id string) []Edge {
	var out []Edge
	for _, e := range p.Incoming[id] {
		if p.ScopeOf[e.Source] == p.ScopeOf[id] {
			out = append(out, e)
		}
	}
	return out
}

// AddError appends an error-severity finding.
func (p *CompiledPlan) AddError(typ CompileErrorType, nodeID, format string, args ...any) {
	p.Errors = append(p.Errors, CompileError{
		Type: typ, NodeID: nodeID, Message: fmt.Sprintf(format, args...), Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity finding.
func (p *CompiledPlan) AddWarning(typ CompileErrorType, nodeID, format string, args ...any) {
	p.Errors = append(p.Errors, CompileError{
		Type: typ, NodeID: nodeID, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning,
	})
}

// HasErrors reports whether any error-severity finding was recorded.
func (p *CompiledPlan) HasErrors() bool {
	for _, e := range p.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Warnings returns warning-severity findings.
func (p *CompiledPlan) Warnings() []CompileError {
	var out []CompileError
	for _, e := range p.Errors {
		if e.Severity == SeverityWarning {
			out = append(out, e)
		}
	}
	return out
}

// ToError converts an invalid plan to a FlowError, nil if valid.
func (p *CompiledPlan) ToError() error {
	if p.Valid {
		return nil
	}
	var errs []CompileError
	for _, e := range p.Errors {
		if e.Severity == SeverityError {
			errs = append(errs, e)
		}
	}
	if len(errs) == 0 {
		return NewError(ErrCodeCompile, "workflow is not valid")
	}
	msg := errs[0].Message
	if len(errs) > 1 {
		msg = fmt.Sprintf("compilation failed with %d errors", len(errs))
	}
	code := ErrCodeCompile
	if errs[0].Type == CompileCycle {
		code = ErrCodeCycleDetected
	}
	return NewError(code, msg).WithDetails(map[string]any{
		"error_count": len(errs),
		"errors":      errs,
	})
}
