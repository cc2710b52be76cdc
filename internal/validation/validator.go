package validation

import "github.com/rendis/blockflow/pkg/schema"

// Validator checks workflow documents and run inputs before compilation.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) []string
	ValidateInput(input map[string]any, inputSchema []byte) error
}
