package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// ConditionType discriminates PassCondition variants.
type ConditionType string

const (
	ConditionAlways       ConditionType = "always"
	ConditionContains     ConditionType = "contains"
	ConditionNotContains  ConditionType = "not_contains"
	ConditionRegex        ConditionType = "regex"
	ConditionEquals       ConditionType = "equals"
	ConditionJSONPath     ConditionType = "json_path"
	ConditionExitCode     ConditionType = "exit_code"
	ConditionComparison   ConditionType = "comparison"
	ConditionCustomScript ConditionType = "custom_script"
	ConditionAll          ConditionType = "all"
	ConditionAny          ConditionType = "any"
)

// Comparison operators.
const (
	OpEq  = "=="
	OpNe  = "!="
	OpGt  = ">"
	OpLt  = "<"
	OpGte = ">="
	OpLte = "<="
)

// Script languages for custom_script conditions.
const (
	ScriptExpr = "expr"
	ScriptCEL  = "cel"
	ScriptJS   = "js"
)

// PassCondition describes how to turn a raw output into a verdict.
type PassCondition struct {
	Type            ConditionType    `json:"type"`
	Value           any              `json:"value,omitempty"`
	Pattern         string           `json:"pattern,omitempty"`
	CaptureGroup    *int             `json:"capture_group,omitempty"`
	CaseInsensitive bool             `json:"case_insensitive,omitempty"`
	JSONPath        string           `json:"json_path,omitempty"`
	Operator        string           `json:"operator,omitempty"`
	Script          string           `json:"script,omitempty"`
	Language        string           `json:"language,omitempty"`
	Coerce          bool             `json:"coerce,omitempty"`
	Conditions      []*PassCondition `json:"conditions,omitempty"`
	// Severity is the interpreted result recorded when the condition does not pass.
	Severity InterpretedResult `json:"severity,omitempty"`
}

// FailureResult returns the interpreted result for a non-passing evaluation.
func (c *PassCondition) FailureResult() InterpretedResult {
	switch c.Severity {
	case InterpretedWarning, InterpretedRequiresReview:
		return c.Severity
	}
	return InterpretedFailed
}

// Validate checks that the variant carries the fields it needs.
func (c *PassCondition) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Type {
	case ConditionAlways:
	case ConditionContains, ConditionNotContains:
		if c.Value == nil {
			return fmt.Errorf("%s condition requires a value", c.Type)
		}
	case ConditionRegex:
		if c.Pattern == "" {
			return fmt.Errorf("regex condition requires a pattern")
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("regex condition: %w", err)
		}
		if c.CaptureGroup != nil && (*c.CaptureGroup < 0 || *c.CaptureGroup > re.NumSubexp()) {
			return fmt.Errorf("regex condition: capture group %d out of range", *c.CaptureGroup)
		}
	case ConditionEquals:
	case ConditionJSONPath:
		if c.JSONPath == "" {
			return fmt.Errorf("json_path condition requires json_path")
		}
	case ConditionExitCode, ConditionComparison:
		if c.Value == nil {
			return fmt.Errorf("%s condition requires a value", c.Type)
		}
		switch c.Operator {
		case "", OpEq, OpNe, OpGt, OpLt, OpGte, OpLte:
		default:
			return fmt.Errorf("%s condition: unknown operator %q", c.Type, c.Operator)
		}
	case ConditionCustomScript:
		if c.Script == "" {
			return fmt.Errorf("custom_script condition requires a script")
		}
		switch c.Language {
		case "", ScriptExpr, ScriptCEL, ScriptJS:
		default:
			return fmt.Errorf("custom_script: unknown language %q", c.Language)
		}
	case ConditionAll, ConditionAny:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s condition requires at least one sub-condition", c.Type)
		}
		for i, sub := range c.Conditions {
			if sub == nil {
				return fmt.Errorf("%s condition: sub-condition %d is null", c.Type, i)
			}
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", c.Type, i, err)
			}
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	switch c.Severity {
	case "", InterpretedFailed, InterpretedWarning, InterpretedRequiresReview:
	default:
		return fmt.Errorf("invalid severity %q", c.Severity)
	}
	return nil
}

// Evaluation is the verdict of a PassCondition.
type Evaluation struct {
	Passed         bool          `json:"passed"`
	Reason         string        `json:"reason"`
	ExtractedValue any           `json:"extracted_value,omitempty"`
	SubResults     []*Evaluation `json:"sub_results,omitempty"`
}

// ExtractRule pulls a named value out of a node's raw output.
type ExtractRule struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Group   int    `json:"group,omitempty"` // default 1 when the pattern has a group
	As      string `json:"as,omitempty"`    // "string" (default) | "number"
}

// DecodeParams converts a loosely typed parameter map into a typed struct.
func DecodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
