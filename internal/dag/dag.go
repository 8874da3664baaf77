// Package dag provides the directed acyclic graph of model dependencies.
// It supports cycle detection, topological ordering, parallel execution
// levels and upstream/downstream closures.
package dag

import (
	"fmt"
	"sort"
)

// Graph is a DAG over model names. Edges point parent -> child, meaning the
// child depends on (reads from) the parent.
type Graph struct {
	nodes    map[string]struct{}
	children map[string][]string
	parents  map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]struct{}),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// Add inserts a node. Adding an existing node is a no-op.
func (g *Graph) Add(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = struct{}{}
	g.children[id] = nil
	g.parents[id] = nil
}

// AddDependency records that child depends on parent. Both nodes must exist.
func (g *Graph) AddDependency(parent, child string) error {
	if _, ok := g.nodes[parent]; !ok {
		return fmt.Errorf("unknown upstream model %q", parent)
	}
	if _, ok := g.nodes[child]; !ok {
		return fmt.Errorf("unknown model %q", child)
	}
	if parent == child {
		return fmt.Errorf("model %q depends on itself", parent)
	}
	if !contains(g.children[parent], child) {
		g.children[parent] = append(g.children[parent], child)
	}
	if !contains(g.parents[child], parent) {
		g.parents[child] = append(g.parents[child], parent)
	}
	return nil
}

// Has reports whether the node exists.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Parents returns the direct dependencies of a node.
func (g *Graph) Parents(id string) []string { return g.parents[id] }

// Children returns the direct dependents of a node.
func (g *Graph) Children(id string) []string { return g.children[id] }

// Cycle returns a dependency cycle if one exists, nil otherwise.
func (g *Graph) Cycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	cameFrom := make(map[string]string)

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, child := range g.children[id] {
			if !visited[child] {
				cameFrom[child] = id
				if dfs(child) {
					return true
				}
			} else if onStack[child] {
				cycle = []string{child}
				for cur := id; cur != child; cur = cameFrom[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				cycle = append([]string{child}, cycle...)
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, id := range g.ids() {
		if !visited[id] {
			if dfs(id) {
				return cycle
			}
		}
	}
	return nil
}

// Sort returns all nodes in topological order, dependencies before
// dependents. Deterministic for a given graph. Fails on cycles.
func (g *Graph) Sort() ([]string, error) {
	if cycle := g.Cycle(); cycle != nil {
		return nil, fmt.Errorf("dependency cycle: %v", cycle)
	}

	visited := make(map[string]bool)
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, parent := range sortedCopy(g.parents[id]) {
			visit(parent)
		}
		order = append(order, id)
	}

	for _, id := range g.ids() {
		visit(id)
	}
	return order, nil
}

// Levels groups nodes by execution level: level 0 has no dependencies, and
// every node at level N only depends on nodes at levels < N. Nodes within a
// level may run concurrently.
func (g *Graph) Levels() ([][]string, error) {
	if cycle := g.Cycle(); cycle != nil {
		return nil, fmt.Errorf("dependency cycle: %v", cycle)
	}
	if len(g.nodes) == 0 {
		return nil, nil
	}

	level := make(map[string]int)
	var rank func(id string) int
	rank = func(id string) int {
		if l, ok := level[id]; ok {
			return l
		}
		max := -1
		for _, parent := range g.parents[id] {
			if pl := rank(parent); pl > max {
				max = pl
			}
		}
		level[id] = max + 1
		return max + 1
	}

	deepest := 0
	for id := range g.nodes {
		if l := rank(id); l > deepest {
			deepest = l
		}
	}

	levels := make([][]string, deepest+1)
	for id, l := range level {
		levels[l] = append(levels[l], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels, nil
}

// Downstream returns the given nodes plus all transitive dependents, sorted.
func (g *Graph) Downstream(ids []string) []string {
	seen := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, child := range g.children[id] {
			mark(child)
		}
	}
	for _, id := range ids {
		if g.Has(id) {
			mark(id)
		}
	}
	return keys(seen)
}

// Upstream returns all transitive dependencies of a node, sorted.
func (g *Graph) Upstream(id string) []string {
	seen := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		for _, parent := range g.parents[id] {
			if !seen[parent] {
				seen[parent] = true
				mark(parent)
			}
		}
	}
	mark(id)
	return keys(seen)
}

// Subgraph returns a new graph restricted to the given nodes and the edges
// between them.
func (g *Graph) Subgraph(ids []string) *Graph {
	sub := New()
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		if g.Has(id) {
			keep[id] = true
			sub.Add(id)
		}
	}
	for id := range keep {
		for _, child := range g.children[id] {
			if keep[child] {
				_ = sub.AddDependency(id, child)
			}
		}
	}
	return sub
}

func (g *Graph) ids() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
