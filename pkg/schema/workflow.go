package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Workflow is the JSON-serializable graph handed to the compiler.
type Workflow struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// InputSchema is an optional JSON Schema the run inputs must satisfy.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Node is one block placed on the canvas.
type Node struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`               // block type, e.g. "ssh_command", "control.loop"
	Category      BlockCategory  `json:"category,omitempty"` // defaults from the type prefix
	Name          string         `json:"name,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	PassCondition *PassCondition `json:"pass_condition,omitempty"`
	Extract       []ExtractRule  `json:"extract,omitempty"`
	Timeout       string         `json:"timeout,omitempty"` // e.g. "30s"; empty uses the engine default
}

// Edge connects two nodes. Label or SourceHandle carries routing keys:
// "true"/"false" after control.condition, "body"/"done" after control.loop,
// "done" after control.parallel.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Route returns the routing key of the edge: Label if set, else SourceHandle.
func (e Edge) Route() string {
	if e.Label != "" {
		return strings.ToLower(e.Label)
	}
	return strings.ToLower(e.SourceHandle)
}

// Edge route keys.
const (
	RouteTrue  = "true"
	RouteFalse = "false"
	RouteBody  = "body"
	RouteDone  = "done"
)

// BlockCategory groups block types.
type BlockCategory string

const (
	CategoryStart    BlockCategory = "start"
	CategoryEnd      BlockCategory = "end"
	CategoryControl  BlockCategory = "control"
	CategoryVariable BlockCategory = "variable"
	CategoryAnalysis BlockCategory = "analysis"
	CategoryAction   BlockCategory = "action"
)

// Built-in block types.
const (
	BlockStart             = "control.start"
	BlockEnd               = "control.end"
	BlockCondition         = "control.condition"
	BlockLoop              = "control.loop"
	BlockParallel          = "control.parallel"
	BlockDelay             = "control.delay"
	BlockWait              = "control.wait"
	BlockVariableSet       = "variable.set"
	BlockVariableExtract   = "variable.extract"
	BlockOutputInterpreter = "analysis.output_interpreter"
	BlockEcho              = "debug.echo"
)

// EffectiveCategory returns the declared category or one derived from the type.
func (n *Node) EffectiveCategory() BlockCategory {
	if n.Category != "" {
		return n.Category
	}
	switch n.Type {
	case BlockStart:
		return CategoryStart
	case BlockEnd:
		return CategoryEnd
	}
	prefix, _, found := strings.Cut(n.Type, ".")
	if !found {
		return CategoryAction
	}
	switch BlockCategory(prefix) {
	case CategoryControl, CategoryVariable, CategoryAnalysis:
		return BlockCategory(prefix)
	}
	return CategoryAction
}

// DisplayName returns Name, falling back to ID.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// IsContainer reports whether the node owns nested scopes.
func (n *Node) IsContainer() bool {
	return n.Type == BlockLoop || n.Type == BlockParallel
}

// ErrorHandling selects how node failures affect the rest of the run.
type ErrorHandling string

const (
	ErrorHandlingStop       ErrorHandling = "stop"
	ErrorHandlingContinue   ErrorHandling = "continue"
	ErrorHandlingSkipBranch ErrorHandling = "skip-branch"
)

// ParseErrorHandling validates a mode string. Empty means stop.
func ParseErrorHandling(s string) (ErrorHandling, error) {
	switch ErrorHandling(s) {
	case "":
		return ErrorHandlingStop, nil
	case ErrorHandlingStop, ErrorHandlingContinue, ErrorHandlingSkipBranch:
		return ErrorHandling(s), nil
	}
	return "", NewErrorf(ErrCodeValidation, "unknown error handling mode %q", s)
}

// ExecuteOptions are per-run settings.
type ExecuteOptions struct {
	ErrorHandling ErrorHandling `json:"error_handling,omitempty" validate:"omitempty,oneof=stop continue skip-branch"`
	ExecutionID   string        `json:"execution_id,omitempty"`
}

// LoopParams are the parameters understood by control.loop.
type LoopParams struct {
	Mode          string `json:"mode,omitempty"`           // count | items | over | while | until (inferred when empty)
	Count         int    `json:"count,omitempty"`          // fixed iteration count
	Items         any    `json:"items,omitempty"`          // array literal or "{{ path }}" resolving to an array
	Over          string `json:"over,omitempty"`           // CEL expression yielding an array
	Condition     string `json:"condition,omitempty"`      // CEL for while/until
	ItemVariable  string `json:"item_variable,omitempty"`  // default "item"
	IndexVariable string `json:"index_variable,omitempty"` // default "index"
	MaxIterations int    `json:"max_iterations,omitempty"` // lowers the engine cap
}

// ResolvedMode returns Mode or the one implied by the set fields.
func (p LoopParams) ResolvedMode() string {
	if p.Mode != "" {
		return p.Mode
	}
	switch {
	case p.Items != nil:
		return "items"
	case p.Over != "":
		return "over"
	case p.Condition != "":
		return "while"
	}
	return "count"
}

// Validate checks the loop source is usable.
func (p LoopParams) Validate() error {
	switch p.ResolvedMode() {
	case "count":
		if p.Count < 0 {
			return fmt.Errorf("loop count must be >= 0, got %d", p.Count)
		}
	case "items":
		if p.Items == nil {
			return fmt.Errorf("loop mode items requires items")
		}
	case "over":
		if p.Over == "" {
			return fmt.Errorf("loop mode over requires an expression")
		}
	case "while", "until":
		if p.Condition == "" {
			return fmt.Errorf("loop mode %s requires a condition", p.ResolvedMode())
		}
	default:
		return fmt.Errorf("unknown loop mode %q", p.Mode)
	}
	if p.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be >= 0")
	}
	return nil
}

// ParallelParams are the parameters understood by control.parallel.
type ParallelParams struct {
	WaitAll       *bool `json:"wait_all,omitempty"` // default true
	MaxConcurrent int   `json:"max_concurrent,omitempty"`
}

// WaitsForAll returns WaitAll with its default applied.
func (p ParallelParams) WaitsForAll() bool {
	return p.WaitAll == nil || *p.WaitAll
}

// ConditionParams are the parameters understood by control.condition.
// Exactly one of Expression or Condition is used; Expression wins.
type ConditionParams struct {
	Expression string         `json:"expression,omitempty"` // CEL
	Condition  *PassCondition `json:"condition,omitempty"`  // evaluated against the previous output
}

// DelayParams are the parameters understood by control.delay and control.wait.
type DelayParams struct {
	Duration string `json:"duration,omitempty"`
	Ms       int64  `json:"ms,omitempty"`
}
