// Package conditions turns raw block outputs into pass/fail verdicts.
package conditions

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/oliveagle/jsonpath"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// Subject is the output a condition is evaluated against.
type Subject struct {
	Output    any
	RawOutput string
}

// Text returns the string projection of the subject: raw text output when
// present, else a string output, else the JSON text of the structured output.
func (s Subject) Text() string {
	if s.RawOutput != "" {
		return s.RawOutput
	}
	if str, ok := s.Output.(string); ok {
		return str
	}
	if s.Output == nil {
		return ""
	}
	return expressions.Stringify(s.Output)
}

// Value returns the structured output, falling back to the raw text.
func (s Subject) Value() any {
	if s.Output != nil {
		return s.Output
	}
	return s.RawOutput
}

// Evaluator evaluates PassConditions. It never returns an error: problems
// inside a condition become a failed Evaluation with the problem as reason.
// Safe for concurrent use.
type Evaluator struct {
	cel  *expressions.CELEngine
	expr *expressions.ExprEngine
	js   *expressions.JSEngine

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
	paths   map[string]*jsonpath.Compiled
}

// NewEvaluator creates an Evaluator with its own expression engines.
func NewEvaluator(cel *expressions.CELEngine, expr *expressions.ExprEngine, js *expressions.JSEngine) *Evaluator {
	return &Evaluator{
		cel:     cel,
		expr:    expr,
		js:      js,
		regexes: make(map[string]*regexp.Regexp),
		paths:   make(map[string]*jsonpath.Compiled),
	}
}

// NewDefaultEvaluator builds an Evaluator with freshly constructed engines.
func NewDefaultEvaluator() (*Evaluator, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewEvaluator(cel, expressions.NewExprEngine(), expressions.NewJSEngine(0)), nil
}

// Evaluate runs cond against subj. variables are exposed to custom scripts.
// A panic inside a condition is reported as a failed evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, cond *schema.PassCondition, subj Subject, variables map[string]any) (ev *schema.Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			ev = failf("condition %s panicked: %v", cond.Type, r)
		}
	}()
	if cond == nil {
		return &schema.Evaluation{Passed: true, Reason: "no condition"}
	}
	switch cond.Type {
	case schema.ConditionAlways:
		return &schema.Evaluation{Passed: true, Reason: "always passes"}
	case schema.ConditionContains:
		return e.contains(cond, subj, false)
	case schema.ConditionNotContains:
		return e.contains(cond, subj, true)
	case schema.ConditionRegex:
		return e.regex(cond, subj)
	case schema.ConditionEquals:
		return e.equals(cond, subj)
	case schema.ConditionJSONPath:
		return e.jsonPath(cond, subj)
	case schema.ConditionExitCode, schema.ConditionComparison:
		return e.compare(cond, subj)
	case schema.ConditionCustomScript:
		return e.script(ctx, cond, subj, variables)
	case schema.ConditionAll, schema.ConditionAny:
		return e.composite(ctx, cond, subj, variables)
	}
	return failf("unknown condition type %q", cond.Type)
}

func failf(format string, args ...any) *schema.Evaluation {
	return &schema.Evaluation{Passed: false, Reason: fmt.Sprintf(format, args...)}
}

func (e *Evaluator) contains(cond *schema.PassCondition, subj Subject, negate bool) *schema.Evaluation {
	needle := expressions.Stringify(cond.Value)
	text := subj.Text()
	var found bool
	if cond.CaseInsensitive {
		found = strings.Contains(strings.ToLower(text), strings.ToLower(needle))
	} else {
		found = strings.Contains(text, needle)
	}

	switch {
	case found && !negate:
		return &schema.Evaluation{Passed: true, Reason: fmt.Sprintf("output contains %q", needle)}
	case !found && !negate:
		return failf("output does not contain %q", needle)
	case found:
		return failf("output contains forbidden %q", needle)
	default:
		return &schema.Evaluation{Passed: true, Reason: fmt.Sprintf("output does not contain %q", needle)}
	}
}

func (e *Evaluator) regex(cond *schema.PassCondition, subj Subject) *schema.Evaluation {
	pattern := cond.Pattern
	if cond.CaseInsensitive && !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	re, err := e.compileRegex(pattern)
	if err != nil {
		return failf("invalid pattern: %s", err)
	}

	m := re.FindStringSubmatch(subj.Text())
	if m == nil {
		return failf("output does not match /%s/", cond.Pattern)
	}
	ev := &schema.Evaluation{Passed: true, Reason: fmt.Sprintf("output matches /%s/", cond.Pattern), ExtractedValue: m[0]}
	if cond.CaptureGroup != nil {
		g := *cond.CaptureGroup
		if g < 0 || g >= len(m) {
			return failf("capture group %d out of range", g)
		}
		ev.ExtractedValue = m[g]
	}
	return ev
}

func (e *Evaluator) equals(cond *schema.PassCondition, subj Subject) *schema.Evaluation {
	actual := subj.Value()
	if valuesEqual(cond.Value, actual, cond.Coerce) {
		return &schema.Evaluation{Passed: true, Reason: "output equals expected value", ExtractedValue: actual}
	}
	return failf("expected %s, got %s", expressions.Stringify(cond.Value), expressions.Stringify(actual))
}

func (e *Evaluator) jsonPath(cond *schema.PassCondition, subj Subject) *schema.Evaluation {
	doc, ok := structuredOutput(subj)
	if !ok {
		return failf("output is not JSON")
	}
	compiled, err := e.compilePath(cond.JSONPath)
	if err != nil {
		return failf("invalid json path %q: %s", cond.JSONPath, err)
	}
	val, err := lookupPath(compiled, doc)
	if err != nil {
		return failf("path not found")
	}

	switch {
	case cond.Operator != "":
		ev := compareValues(val, cond.Operator, cond.Value)
		ev.ExtractedValue = val
		return ev
	case cond.Value != nil:
		if valuesEqual(cond.Value, val, cond.Coerce) {
			return &schema.Evaluation{Passed: true, Reason: fmt.Sprintf("%s equals expected value", cond.JSONPath), ExtractedValue: val}
		}
		return &schema.Evaluation{
			Passed:         false,
			Reason:         fmt.Sprintf("%s: expected %s, got %s", cond.JSONPath, expressions.Stringify(cond.Value), expressions.Stringify(val)),
			ExtractedValue: val,
		}
	case truthy(val):
		return &schema.Evaluation{Passed: true, Reason: fmt.Sprintf("%s is truthy", cond.JSONPath), ExtractedValue: val}
	default:
		return &schema.Evaluation{Passed: false, Reason: fmt.Sprintf("%s is not truthy", cond.JSONPath), ExtractedValue: val}
	}
}

// lookupPath runs a compiled path. jsonpath dereferences nil when an index,
// wildcard, filter or slice meets a null field; that counts as not found.
func lookupPath(compiled *jsonpath.Compiled, doc any) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, fmt.Errorf("lookup: %v", r)
		}
	}()
	return compiled.Lookup(doc)
}

func (e *Evaluator) compare(cond *schema.PassCondition, subj Subject) *schema.Evaluation {
	var actual any
	switch {
	case cond.Type == schema.ConditionExitCode:
		actual = exitCodeOf(subj)
	case cond.JSONPath != "":
		doc, ok := structuredOutput(subj)
		if !ok {
			return failf("output is not JSON")
		}
		compiled, err := e.compilePath(cond.JSONPath)
		if err != nil {
			return failf("invalid json path %q: %s", cond.JSONPath, err)
		}
		if actual, err = lookupPath(compiled, doc); err != nil {
			return failf("path not found")
		}
	default:
		actual = subj.Value()
	}
	return compareValues(actual, cond.Operator, cond.Value)
}

func (e *Evaluator) script(ctx context.Context, cond *schema.PassCondition, subj Subject, variables map[string]any) *schema.Evaluation {
	data := map[string]any{
		expressions.VarOutput:    subj.Value(),
		expressions.VarRawOutput: subj.Text(),
		expressions.VarVariables: variables,
	}
	if variables == nil {
		data[expressions.VarVariables] = map[string]any{}
	}

	var engine expressions.Engine
	switch cond.Language {
	case "", schema.ScriptExpr:
		engine = e.expr
	case schema.ScriptCEL:
		engine = e.cel
	case schema.ScriptJS:
		engine = e.js
	default:
		return failf("unknown script language %q", cond.Language)
	}
	if engine == nil {
		return failf("script language %q is not available", cond.Language)
	}

	out, err := engine.Evaluate(ctx, cond.Script, data)
	if err != nil {
		return failf("%s", err.Error())
	}
	passed, ok := out.(bool)
	if !ok {
		return failf("script must return a boolean, got %T", out)
	}
	if passed {
		return &schema.Evaluation{Passed: true, Reason: "script returned true"}
	}
	return failf("script returned false")
}

func (e *Evaluator) composite(ctx context.Context, cond *schema.PassCondition, subj Subject, variables map[string]any) *schema.Evaluation {
	ev := &schema.Evaluation{SubResults: make([]*schema.Evaluation, 0, len(cond.Conditions))}
	passed, firstFail := 0, ""
	for _, sub := range cond.Conditions {
		r := e.Evaluate(ctx, sub, subj, variables)
		ev.SubResults = append(ev.SubResults, r)
		if r.Passed {
			passed++
			if ev.ExtractedValue == nil {
				ev.ExtractedValue = r.ExtractedValue
			}
		} else if firstFail == "" {
			firstFail = r.Reason
		}
	}
	total := len(cond.Conditions)

	if cond.Type == schema.ConditionAll {
		ev.Passed = total > 0 && passed == total
		if ev.Passed {
			ev.Reason = fmt.Sprintf("all %d conditions passed", total)
		} else {
			ev.Reason = fmt.Sprintf("%d of %d conditions failed: %s", total-passed, total, firstFail)
		}
		return ev
	}

	ev.Passed = passed > 0
	if ev.Passed {
		ev.Reason = fmt.Sprintf("%d of %d conditions passed", passed, total)
	} else {
		ev.Reason = fmt.Sprintf("none of %d conditions passed: %s", total, firstFail)
	}
	return ev
}

func (e *Evaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.regexes[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.regexes[pattern] = re
	e.mu.Unlock()
	return re, nil
}

func (e *Evaluator) compilePath(path string) (*jsonpath.Compiled, error) {
	if !strings.HasPrefix(path, "$") {
		path = "$." + strings.TrimPrefix(path, ".")
	}
	e.mu.RLock()
	c, ok := e.paths[path]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}
	c, err := jsonpath.Compile(path)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.paths[path] = c
	e.mu.Unlock()
	return c, nil
}
