package compiler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// DocumentChecker validates the raw shape of a workflow document.
type DocumentChecker interface {
	ValidateWorkflow(wf *schema.Workflow) []string
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithDocumentChecker runs structural document validation before graph checks.
func WithDocumentChecker(d DocumentChecker) Option {
	return func(c *Compiler) { c.docs = d }
}

// WithBlockCheck rejects nodes whose block type known reports as unavailable.
// Built-in control, variable and analysis types are always accepted.
func WithBlockCheck(known func(blockType string) bool) Option {
	return func(c *Compiler) { c.known = known }
}

// Compiler turns a Workflow into a CompiledPlan. It holds no per-workflow
// state and is safe for concurrent use.
type Compiler struct {
	cel   *expressions.CELEngine
	docs  DocumentChecker
	known func(string) bool
}

// New creates a Compiler.
func New(opts ...Option) (*Compiler, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create CEL engine: %w", err)
	}
	c := &Compiler{cel: cel}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

var builtinTypes = map[string]bool{
	schema.BlockStart:             true,
	schema.BlockEnd:               true,
	schema.BlockCondition:         true,
	schema.BlockLoop:              true,
	schema.BlockParallel:          true,
	schema.BlockDelay:             true,
	schema.BlockWait:              true,
	schema.BlockVariableSet:       true,
	schema.BlockVariableExtract:   true,
	schema.BlockOutputInterpreter: true,
}

// CompileJSON decodes a workflow document and compiles it.
func (c *Compiler) CompileJSON(raw []byte) *schema.CompiledPlan {
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		plan := &schema.CompiledPlan{}
		plan.AddError(schema.CompileInvalidDocument, "", "invalid workflow JSON: %v", err)
		return plan
	}
	return c.Compile(&wf)
}

// Compile validates the workflow graph and computes its execution levels.
// The returned plan is never nil; check Valid before executing it.
func (c *Compiler) Compile(wf *schema.Workflow) *schema.CompiledPlan {
	plan := &schema.CompiledPlan{
		Nodes:    make(map[string]*schema.Node),
		Incoming: make(map[string][]schema.Edge),
		Outgoing: make(map[string][]schema.Edge),
		ScopeOf:  make(map[string]string),
		Scopes:   make(map[string][]*schema.Scope),
	}
	if wf == nil {
		plan.AddError(schema.CompileInvalidDocument, "", "workflow is nil")
		return plan
	}
	plan.WorkflowID = wf.ID
	plan.WorkflowName = wf.Name

	if c.docs != nil {
		for _, v := range c.docs.ValidateWorkflow(wf) {
			plan.AddError(schema.CompileInvalidDocument, "", "%s", v)
		}
	}
	if len(wf.Nodes) == 0 {
		plan.AddError(schema.CompileInvalidDocument, "", "workflow has no nodes")
		return plan
	}

	c.registerNodes(plan, wf)
	c.registerEdges(plan, wf)

	if findCycles(plan) {
		plan.Valid = false
		return plan
	}

	for _, id := range plan.Order {
		c.checkNode(plan, plan.Nodes[id])
	}

	buildScopes(plan)
	computeLevels(plan)
	chooseEntry(plan)
	checkReferences(plan)

	plan.Valid = !plan.HasErrors()
	return plan
}

// registerNodes indexes nodes in declaration order. Duplicates and nodes
// without an id are reported and left out of the graph.
func (c *Compiler) registerNodes(plan *schema.CompiledPlan, wf *schema.Workflow) {
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.ID == "" {
			plan.AddError(schema.CompileInvalidNode, "", "node at index %d has empty id", i)
			continue
		}
		if _, exists := plan.Nodes[n.ID]; exists {
			plan.AddError(schema.CompileInvalidNode, n.ID, "duplicate node id: %s", n.ID)
			continue
		}
		if n.Type == "" {
			plan.AddError(schema.CompileInvalidNode, n.ID, "node %s has no block type", n.ID)
		} else if c.known != nil && !builtinTypes[n.Type] && !c.known(n.Type) {
			plan.AddError(schema.CompileInvalidNode, n.ID, "node %s uses unknown block type %q", n.ID, n.Type)
		}
		plan.Nodes[n.ID] = n
		plan.Order = append(plan.Order, n.ID)
	}
}

func (c *Compiler) registerEdges(plan *schema.CompiledPlan, wf *schema.Workflow) {
	seen := make(map[string]bool, len(wf.Edges))
	for i, e := range wf.Edges {
		_, srcOK := plan.Nodes[e.Source]
		_, dstOK := plan.Nodes[e.Target]
		if !srcOK || !dstOK {
			missing := e.Source
			if srcOK {
				missing = e.Target
			}
			plan.AddError(schema.CompileDanglingEdge, "", "edge %d (%s -> %s) references unknown node %q", i, e.Source, e.Target, missing)
			continue
		}
		key := e.Source + "\x00" + e.Target + "\x00" + e.Route()
		if seen[key] {
			plan.AddWarning(schema.CompileInvalidConfig, e.Source, "duplicate edge %s -> %s ignored", e.Source, e.Target)
			continue
		}
		seen[key] = true
		plan.Outgoing[e.Source] = append(plan.Outgoing[e.Source], e)
		plan.Incoming[e.Target] = append(plan.Incoming[e.Target], e)
	}
}

// findCycles runs a depth-first search with a recursion stack and records
// one cycle error per back edge. The error names the back edge target.
func findCycles(plan *schema.CompiledPlan) bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(plan.Nodes))
	var stack []string
	found := false

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, e := range plan.Outgoing[id] {
			switch color[e.Target] {
			case white:
				visit(e.Target)
			case grey:
				found = true
				plan.AddError(schema.CompileCycle, e.Target, "cycle detected: %s", cyclePath(stack, e.Target))
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range plan.Order {
		if color[id] == white {
			visit(id)
		}
	}
	return found
}

func cyclePath(stack []string, target string) string {
	for i, id := range stack {
		if id == target {
			path := append(append([]string(nil), stack[i:]...), target)
			return strings.Join(path, " -> ")
		}
	}
	return target
}

// checkNode validates type-specific parameters, conditions and routing.
func (c *Compiler) checkNode(plan *schema.CompiledPlan, n *schema.Node) {
	if n.Timeout != "" {
		if d, err := time.ParseDuration(n.Timeout); err != nil || d <= 0 {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "node %s has invalid timeout %q", n.ID, n.Timeout)
		}
	}
	if n.PassCondition != nil {
		if err := n.PassCondition.Validate(); err != nil {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "node %s pass condition: %v", n.ID, err)
		} else {
			c.checkScripts(plan, n.ID, n.PassCondition)
		}
	}
	for _, r := range n.Extract {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "node %s extract rule %q: %v", n.ID, r.Name, err)
		}
	}

	switch n.Type {
	case schema.BlockStart:
		if len(plan.Incoming[n.ID]) > 0 {
			plan.AddError(schema.CompileInvalidNode, n.ID, "start node %s has incoming edges", n.ID)
		}

	case schema.BlockCondition:
		var p schema.ConditionParams
		if err := schema.DecodeParams(n.Parameters, &p); err != nil {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "condition %s has invalid parameters: %v", n.ID, err)
			return
		}
		switch {
		case p.Expression != "":
			c.checkCEL(plan, n.ID, p.Expression)
		case p.Condition != nil:
			if err := p.Condition.Validate(); err != nil {
				plan.AddError(schema.CompileInvalidConfig, n.ID, "condition %s: %v", n.ID, err)
			}
		default:
			plan.AddError(schema.CompileInvalidConfig, n.ID, "condition %s needs an expression or a condition", n.ID)
		}
		for _, e := range plan.Outgoing[n.ID] {
			if r := e.Route(); r != schema.RouteTrue && r != schema.RouteFalse {
				plan.AddError(schema.CompileInvalidConfig, n.ID, "condition %s edge to %s must be labeled true or false, got %q", n.ID, e.Target, r)
			}
		}

	case schema.BlockLoop:
		var p schema.LoopParams
		if err := schema.DecodeParams(n.Parameters, &p); err != nil {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "loop %s has invalid parameters: %v", n.ID, err)
			return
		}
		if err := p.Validate(); err != nil {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "loop %s: %v", n.ID, err)
		}
		switch p.ResolvedMode() {
		case "over":
			c.checkCEL(plan, n.ID, p.Over)
		case "while", "until":
			c.checkCEL(plan, n.ID, p.Condition)
		}
		if len(routed(plan.Outgoing[n.ID], schema.RouteBody)) == 0 {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "loop %s has no body edge", n.ID)
		}

	case schema.BlockParallel:
		var p schema.ParallelParams
		if err := schema.DecodeParams(n.Parameters, &p); err != nil {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "parallel %s has invalid parameters: %v", n.ID, err)
			return
		}
		if p.MaxConcurrent < 0 {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "parallel %s max_concurrent must be >= 0", n.ID)
		}
		if len(branchEdges(plan.Outgoing[n.ID])) == 0 {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "parallel %s has no branches", n.ID)
		}

	case schema.BlockDelay, schema.BlockWait:
		var p schema.DelayParams
		if err := schema.DecodeParams(n.Parameters, &p); err != nil {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "%s %s has invalid parameters: %v", n.Type, n.ID, err)
			return
		}
		if p.Duration == "" && p.Ms <= 0 {
			plan.AddError(schema.CompileInvalidConfig, n.ID, "%s %s needs duration or ms", n.Type, n.ID)
		} else if p.Duration != "" && !strings.Contains(p.Duration, "{{") {
			if _, err := time.ParseDuration(p.Duration); err != nil {
				plan.AddError(schema.CompileInvalidConfig, n.ID, "%s %s has invalid duration %q", n.Type, n.ID, p.Duration)
			}
		}
	}
}

func (c *Compiler) checkCEL(plan *schema.CompiledPlan, nodeID, expression string) {
	if strings.Contains(expression, "{{") {
		return
	}
	if err := c.cel.Check(expression); err != nil {
		plan.AddError(schema.CompileInvalidConfig, nodeID, "node %s expression %q: %v", nodeID, expression, err)
	}
}

func (c *Compiler) checkScripts(plan *schema.CompiledPlan, nodeID string, cond *schema.PassCondition) {
	if cond.Type == schema.ConditionCustomScript && cond.Language == schema.ScriptCEL {
		c.checkCEL(plan, nodeID, cond.Script)
	}
	for _, sub := range cond.Conditions {
		c.checkScripts(plan, nodeID, sub)
	}
}

func routed(edges []schema.Edge, route string) []schema.Edge {
	var out []schema.Edge
	for _, e := range edges {
		if e.Route() == route {
			out = append(out, e)
		}
	}
	return out
}

// branchEdges returns the outgoing edges of a parallel node that open a branch.
func branchEdges(edges []schema.Edge) []schema.Edge {
	var out []schema.Edge
	for _, e := range edges {
		if e.Route() != schema.RouteDone {
			out = append(out, e)
		}
	}
	return out
}

// checkReferences warns about {{ nodes.<id> }} placeholders naming nodes that
// do not exist. Such placeholders stay literal at run time.
func checkReferences(plan *schema.CompiledPlan) {
	for _, id := range plan.Order {
		n := plan.Nodes[id]
		for _, ref := range collectPlaceholders(n.Parameters) {
			rest, ok := strings.CutPrefix(ref, "nodes.")
			if !ok {
				continue
			}
			target, _, _ := strings.Cut(rest, ".")
			if _, exists := plan.Nodes[target]; !exists {
				plan.AddWarning(schema.CompileInvalidConfig, id, "node %s references unknown node %q", id, target)
			}
		}
	}
}

func collectPlaceholders(v any) []string {
	switch val := v.(type) {
	case string:
		return expressions.Placeholders(val)
	case map[string]any:
		var out []string
		for _, item := range val {
			out = append(out, collectPlaceholders(item)...)
		}
		return out
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, collectPlaceholders(item)...)
		}
		return out
	}
	return nil
}
