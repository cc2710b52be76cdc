package expressions

import "context"

// Engine evaluates expressions against a data map.
// Four implementations: CEL (routing, loop sources), Expr (scripts), GoJQ
// (extraction), JS (scripts).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope variable names exposed to every engine.
const (
	VarPrevious  = "previous"
	VarVariables = "variables"
	VarInputs    = "inputs"
	VarNodes     = "nodes"
	VarLoop      = "loop"
	VarOutput    = "output"
	VarRawOutput = "raw_output"
)

var scopeVars = []string{VarPrevious, VarVariables, VarInputs, VarNodes, VarLoop, VarOutput, VarRawOutput}
