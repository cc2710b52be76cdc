package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Scope holds all data available for placeholder resolution and expression
// evaluation at one node.
type Scope struct {
	Previous  *PreviousOutput
	Variables map[string]any // shared run variables (snapshot)
	Locals    map[string]any // loop-scoped variables; shadow Variables
	Inputs    map[string]any
	Nodes     map[string]any // block id -> {"output", "raw_output", "status"}
	Loop      *LoopScope
}

// PreviousOutput is what the immediately preceding node produced.
type PreviousOutput struct {
	NodeID    string
	Output    any
	RawOutput string
	Status    string
}

// LoopScope holds the variables of the innermost loop iteration.
type LoopScope struct {
	Item  any
	Index int
}

// Data flattens the scope into the variable map handed to expression engines.
// Locals are merged over Variables under "variables".
func (s *Scope) Data() map[string]any {
	data := map[string]any{
		VarVariables: s.mergedVariables(),
		VarInputs:    orEmpty(s.Inputs),
		VarNodes:     orEmpty(s.Nodes),
	}
	if s.Previous != nil {
		data[VarPrevious] = map[string]any{
			"node_id":    s.Previous.NodeID,
			"output":     s.Previous.Output,
			"raw_output": s.Previous.RawOutput,
			"status":     s.Previous.Status,
		}
	}
	if s.Loop != nil {
		data[VarLoop] = map[string]any{"item": s.Loop.Item, "index": s.Loop.Index}
	}
	return data
}

func (s *Scope) mergedVariables() map[string]any {
	if len(s.Locals) == 0 {
		return orEmpty(s.Variables)
	}
	out := make(map[string]any, len(s.Variables)+len(s.Locals))
	for k, v := range s.Variables {
		out[k] = v
	}
	for k, v := range s.Locals {
		out[k] = v
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Lookup resolves a dotted path such as "previous.output.ports",
// "variables.host", "inputs.targets.0", "nodes.ssh.raw_output", "loop.item"
// or a bare variable name. ok is false when any segment is missing.
func (s *Scope) Lookup(path string) (any, bool) {
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case VarPrevious:
		if s.Previous == nil {
			return nil, false
		}
		field, sub, _ := strings.Cut(rest, ".")
		var root any
		switch field {
		case "output":
			root = s.Previous.Output
		case "raw_output", "rawOutput":
			root = s.Previous.RawOutput
		case "status":
			root = s.Previous.Status
		default:
			return nil, false
		}
		return traversePath(root, sub)
	case VarVariables, "vars":
		if rest == "" {
			return nil, false
		}
		return traversePath(s.mergedVariables(), rest)
	case VarInputs:
		if rest == "" {
			return nil, false
		}
		return traversePath(s.Inputs, rest)
	case VarNodes:
		id, sub, _ := strings.Cut(rest, ".")
		n, ok := s.Nodes[id]
		if !ok {
			return nil, false
		}
		// camelCase alias for raw output
		sub = strings.Replace(sub, "rawOutput", "raw_output", 1)
		return traversePath(n, sub)
	case VarLoop:
		if s.Loop == nil {
			return nil, false
		}
		return traversePath(map[string]any{"item": s.Loop.Item, "index": s.Loop.Index}, rest)
	}
	if v, ok := s.Locals[head]; ok {
		return traversePath(v, rest)
	}
	if v, ok := s.Variables[head]; ok {
		return traversePath(v, rest)
	}
	return nil, false
}

// traversePath navigates into nested maps and slices using a dot-delimited
// path. Numeric segments index into slices.
func traversePath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := asContainer(current).(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// asContainer normalizes typed structs and slices so they can be traversed.
func asContainer(v any) any {
	switch v.(type) {
	case map[string]any, []any, nil, string, bool, float64, int, int64:
		return v
	}
	if n, err := NormalizeJSON(v); err == nil {
		return n
	}
	return v
}

// Interpolator resolves {{ path }} placeholders in node parameters.
// Placeholders that do not resolve are left in place as literal text.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve returns a copy of params with placeholders substituted, and the
// placeholders that could not be resolved. A string consisting solely of one
// placeholder takes the typed value; embedded placeholders are stringified.
func (interp *Interpolator) Resolve(params map[string]any, scope *Scope) (map[string]any, []string) {
	if params == nil {
		return nil, nil
	}
	var unresolved []string
	out, _ := interp.resolveValue(params, scope, &unresolved).(map[string]any)
	return out, unresolved
}

// ResolveValue resolves placeholders in a single value.
func (interp *Interpolator) ResolveValue(v any, scope *Scope) (any, []string) {
	var unresolved []string
	return interp.resolveValue(v, scope, &unresolved), unresolved
}

func (interp *Interpolator) resolveValue(v any, scope *Scope, unresolved *[]string) any {
	switch val := v.(type) {
	case string:
		return interp.resolveString(val, scope, unresolved)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = interp.resolveValue(item, scope, unresolved)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interp.resolveValue(item, scope, unresolved)
		}
		return out
	default:
		return v
	}
}

func (interp *Interpolator) resolveString(input string, scope *Scope, unresolved *[]string) any {
	if !strings.Contains(input, "{{") {
		return input
	}

	// Only a string that is exactly one placeholder keeps the value's type;
	// surrounding whitespace makes it text.
	if strings.HasPrefix(input, "{{") && strings.HasSuffix(input, "}}") &&
		strings.Count(input, "{{") == 1 {
		path := strings.TrimSpace(input[2 : len(input)-2])
		if val, ok := scope.Lookup(path); ok {
			return val
		}
		*unresolved = append(*unresolved, path)
		return input
	}

	var result strings.Builder
	result.Grow(len(input))
	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 2
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			result.WriteString(input[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(input[start:end])
		if val, ok := scope.Lookup(path); ok && path != "" {
			result.WriteString(Stringify(val))
		} else {
			*unresolved = append(*unresolved, path)
			result.WriteString(input[i+idx : end+2])
		}
		i = end + 2
	}
	return result.String()
}

// Stringify renders a value for embedding in text. Strings are written
// as-is; maps and slices are JSON-encoded.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Placeholders returns every {{ path }} reference found in s.
func Placeholders(s string) []string {
	var refs []string
	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			return refs
		}
		end := strings.Index(s[start+2:], "}}")
		if end == -1 {
			return refs
		}
		refs = append(refs, strings.TrimSpace(s[start+2:start+2+end]))
		s = s[start+2+end+2:]
	}
}
