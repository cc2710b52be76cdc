package conditions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// normalizeJSON converts Go numeric types to float64 for consistent deep-equal comparison.
// JSON unmarshaling produces float64 for numbers; this normalizes int, int64, json.Number
// so reflect.DeepEqual works across boundaries. Other composite types go through a
// JSON round trip.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		if n, err := expressions.NormalizeJSON(v); err == nil {
			return n
		}
		return v
	}
}

// valuesEqual is deep, numeric-aware equality. A string never equals a
// number unless coerce is set, in which case both sides compare as text.
func valuesEqual(expected, actual any, coerce bool) bool {
	if reflect.DeepEqual(normalizeJSON(expected), normalizeJSON(actual)) {
		return true
	}
	if !coerce {
		return false
	}
	return strings.TrimSpace(expressions.Stringify(normalizeJSON(expected))) ==
		strings.TrimSpace(expressions.Stringify(normalizeJSON(actual)))
}

// structuredOutput returns the output as decoded JSON, parsing text when the
// block returned a JSON document as a string.
func structuredOutput(subj Subject) (any, bool) {
	switch v := subj.Output.(type) {
	case map[string]any, []any:
		return v, true
	case string:
		return parseJSON(v)
	case nil:
		if subj.RawOutput == "" {
			return nil, false
		}
		return parseJSON(subj.RawOutput)
	}
	n, err := expressions.NormalizeJSON(subj.Output)
	if err != nil {
		return nil, false
	}
	return n, true
}

func parseJSON(s string) (any, bool) {
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, false
	}
	return out, true
}

func truthy(v any) bool {
	switch val := normalizeJSON(v).(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	return true
}

// exitCodeOf finds an exit status in the output: an exit_code/exitCode/code
// field of a structured output, or the output itself.
func exitCodeOf(subj Subject) any {
	if m, ok := normalizeJSON(subj.Output).(map[string]any); ok {
		for _, key := range []string{"exit_code", "exitCode", "code"} {
			if v, ok := m[key]; ok {
				return v
			}
		}
	}
	return subj.Value()
}

// toFloat projects a value onto a number. Strings are trimmed and parsed.
func toFloat(v any) (float64, bool) {
	switch val := normalizeJSON(v).(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func compareValues(actual any, op string, threshold any) *schema.Evaluation {
	a, ok := toFloat(actual)
	if !ok {
		return failf("non-numeric output")
	}
	b, ok := toFloat(threshold)
	if !ok {
		return failf("non-numeric threshold %s", expressions.Stringify(threshold))
	}
	if op == "" {
		op = schema.OpEq
	}

	var passed bool
	switch op {
	case schema.OpEq:
		passed = a == b
	case schema.OpNe:
		passed = a != b
	case schema.OpGt:
		passed = a > b
	case schema.OpLt:
		passed = a < b
	case schema.OpGte:
		passed = a >= b
	case schema.OpLte:
		passed = a <= b
	default:
		return failf("unknown operator %q", op)
	}

	reason := fmt.Sprintf("%s %s %s", formatNumber(a), op, formatNumber(b))
	if !passed {
		reason = "expected " + reason
	}
	return &schema.Evaluation{Passed: passed, Reason: reason, ExtractedValue: a}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
