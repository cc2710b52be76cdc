package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/blockflow/pkg/schema"
)

// region is the set of nodes reachable from the entry edges of one scope.
type region struct {
	scope   *schema.Scope
	entries []schema.Edge
	members map[string]bool
}

// buildScopes derives loop bodies and parallel branches from routed edges
// and assigns every node its innermost scope.
func buildScopes(plan *schema.CompiledPlan) {
	var regions []*region
	byKey := make(map[string]*region)

	for _, id := range plan.Order {
		n := plan.Nodes[id]
		switch n.Type {
		case schema.BlockLoop:
			entries := routed(plan.Outgoing[id], schema.RouteBody)
			if len(entries) == 0 {
				continue
			}
			regions = append(regions, newRegion(plan, id, id, schema.ScopeLoopBody, 0, entries))
		case schema.BlockParallel:
			var branches []*region
			for i, e := range branchEdges(plan.Outgoing[id]) {
				key := fmt.Sprintf("%s/%d", id, i)
				branches = append(branches, newRegion(plan, id, key, schema.ScopeBranch, i, []schema.Edge{e}))
			}
			checkDisjoint(plan, id, branches)
			regions = append(regions, branches...)
		}
	}
	for _, r := range regions {
		byKey[r.scope.Key] = r
		plan.Scopes[r.scope.Owner] = append(plan.Scopes[r.scope.Owner], r.scope)
	}

	checkNesting(plan, regions)

	for _, id := range plan.Order {
		var inner *region
		for _, r := range regions {
			if r.members[id] && (inner == nil || len(r.members) < len(inner.members)) {
				inner = r
			}
		}
		if inner != nil {
			plan.ScopeOf[id] = inner.scope.Key
		} else {
			plan.ScopeOf[id] = ""
		}
	}

	for _, id := range plan.Order {
		for _, e := range plan.Outgoing[id] {
			src, dst := plan.ScopeOf[e.Source], plan.ScopeOf[e.Target]
			if src == dst {
				continue
			}
			if r := byKey[dst]; r != nil && r.isEntry(e) {
				continue
			}
			plan.AddError(schema.CompileInvalidScope, e.Target,
				"edge %s -> %s crosses a scope boundary (%s -> %s)", e.Source, e.Target, scopeName(src), scopeName(dst))
		}
	}
}

func newRegion(plan *schema.CompiledPlan, owner, key string, kind schema.ScopeKind, index int, entries []schema.Edge) *region {
	r := &region{
		scope:   &schema.Scope{Key: key, Kind: kind, Owner: owner, Index: index},
		entries: entries,
		members: make(map[string]bool),
	}
	queue := make([]string, 0, len(entries))
	for _, e := range entries {
		if !r.members[e.Target] {
			r.members[e.Target] = true
			r.scope.Entries = append(r.scope.Entries, e.Target)
			queue = append(queue, e.Target)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range plan.Outgoing[id] {
			if !r.members[e.Target] {
				r.members[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return r
}

func (r *region) isEntry(e schema.Edge) bool {
	for _, entry := range r.entries {
		if entry.Source == e.Source && entry.Target == e.Target && entry.Route() == e.Route() {
			return true
		}
	}
	return false
}

func checkDisjoint(plan *schema.CompiledPlan, owner string, branches []*region) {
	for i := 0; i < len(branches); i++ {
		for j := i + 1; j < len(branches); j++ {
			if shared := firstShared(plan, branches[i], branches[j]); shared != "" {
				plan.AddError(schema.CompileInvalidScope, shared,
					"parallel %s branches %d and %d share node %s", owner, i, j, shared)
			}
		}
	}
}

// checkNesting requires overlapping regions of different containers to nest:
// the inner region's owner must itself be a member of the outer region.
func checkNesting(plan *schema.CompiledPlan, regions []*region) {
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			if a.scope.Owner == b.scope.Owner {
				continue
			}
			shared := firstShared(plan, a, b)
			if shared == "" {
				continue
			}
			if (a.members[b.scope.Owner] && subset(b, a)) || (b.members[a.scope.Owner] && subset(a, b)) {
				continue
			}
			plan.AddError(schema.CompileInvalidScope, shared,
				"node %s belongs to both %s and %s", shared, scopeName(a.scope.Key), scopeName(b.scope.Key))
		}
	}
}

func firstShared(plan *schema.CompiledPlan, a, b *region) string {
	for _, id := range plan.Order {
		if a.members[id] && b.members[id] {
			return id
		}
	}
	return ""
}

func subset(inner, outer *region) bool {
	for id := range inner.members {
		if !outer.members[id] {
			return false
		}
	}
	return true
}

func scopeName(key string) string {
	if key == "" {
		return "top level"
	}
	if strings.Contains(key, "/") {
		return "branch " + key
	}
	return "loop body " + key
}

// computeLevels assigns every node a depth of max(dependency depth)+1 and
// groups nodes by depth. Ties keep declaration order. Scope levels are the
// global levels restricted to the scope's members.
func computeLevels(plan *schema.CompiledPlan) {
	position := make(map[string]int, len(plan.Order))
	inDegree := make(map[string]int, len(plan.Order))
	for i, id := range plan.Order {
		position[id] = i
		inDegree[id] = len(plan.Incoming[id])
	}

	var queue []string
	for _, id := range plan.Order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	depth := make(map[string]int, len(plan.Order))
	maxDepth := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range plan.Outgoing[id] {
			if d := depth[id] + 1; d > depth[e.Target] {
				depth[e.Target] = d
				if d > maxDepth {
					maxDepth = d
				}
			}
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range plan.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	for _, lvl := range levels {
		sort.SliceStable(lvl, func(i, j int) bool { return position[lvl[i]] < position[lvl[j]] })
	}
	plan.ExecutionOrder = levels
	plan.TotalLevels = len(levels)
	plan.RootLevels = restrict(levels, plan.ScopeOf, "")
	for _, scopes := range plan.Scopes {
		for _, s := range scopes {
			s.Levels = restrict(levels, plan.ScopeOf, s.Key)
		}
	}
}

func restrict(levels [][]string, scopeOf map[string]string, key string) [][]string {
	var out [][]string
	for _, lvl := range levels {
		var ids []string
		for _, id := range lvl {
			if scopeOf[id] == key {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			out = append(out, ids)
		}
	}
	return out
}

// chooseEntry picks the run entry. Exactly one start node is expected; with
// none, the first top-level root in declaration order is used and a warning
// is recorded. With a start node, every node must be reachable from it.
func chooseEntry(plan *schema.CompiledPlan) {
	var starts, roots []string
	for _, id := range plan.Order {
		if plan.ScopeOf[id] != "" {
			continue
		}
		if plan.Nodes[id].EffectiveCategory() == schema.CategoryStart {
			starts = append(starts, id)
		}
		if len(plan.Incoming[id]) == 0 {
			roots = append(roots, id)
		}
	}

	switch {
	case len(starts) > 1:
		plan.EntryNodeID = starts[0]
		for _, id := range starts[1:] {
			plan.AddError(schema.CompileAmbiguousEntry, id, "multiple start nodes: %s", strings.Join(starts, ", "))
		}
	case len(starts) == 1:
		plan.EntryNodeID = starts[0]
		reached := reachable(plan, starts[0])
		for _, id := range plan.Order {
			if !reached[id] {
				plan.AddError(schema.CompileUnreachableNode, id, "node %s is not reachable from start node %s", id, starts[0])
			}
		}
	case len(roots) > 0:
		plan.EntryNodeID = roots[0]
		plan.AddWarning(schema.CompileAmbiguousEntry, roots[0],
			"workflow has no start node; using %s as entry (roots: %s)", roots[0], strings.Join(roots, ", "))
	}
}

func reachable(plan *schema.CompiledPlan, from string) map[string]bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range plan.Outgoing[id] {
			if !seen[e.Target] {
				seen[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}
	return seen
}
