// Package dag maintains the model dependency graph: cycle detection,
// level-parallel execution order, and impact analysis down to columns.
package dag

import (
	"fmt"
	"sort"
	"strings"

	tserrors "github.com/tidemark-labs/tidesql/internal/errors"
	"github.com/tidemark-labs/tidesql/pkg/lineage"
)

// Node is a single model in the graph. Dependencies and Dependents stay
// symmetric: A lists B as a dependency iff B lists A as a dependent.
type Node struct {
	Name         string
	Dependencies []string
	Dependents   []string
	Level        int
	Lineage      *lineage.ModelLineage
}

// Graph is a directed acyclic dependency graph over model names.
// Dependencies on models that were never added are tolerated; they act as
// roots with no node of their own.
type Graph struct {
	nodes map[string]*Node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add inserts or replaces a model and its dependency edges. Unknown
// dependencies get implicit nodes so edges stay symmetric.
func (g *Graph) Add(name string, deps []string, ml *lineage.ModelLineage) {
	node := g.ensure(name)

	// re-Add: detach the old dependency edges first
	for _, dep := range node.Dependencies {
		if depNode, ok := g.nodes[dep]; ok {
			depNode.Dependents = remove(depNode.Dependents, name)
		}
	}
	node.Dependencies = nil
	node.Lineage = ml

	for _, dep := range deps {
		if dep == name {
			continue
		}
		depNode := g.ensure(dep)
		node.Dependencies = append(node.Dependencies, dep)
		depNode.Dependents = append(depNode.Dependents, name)
	}
	sort.Strings(node.Dependencies)
}

// Remove deletes a model and detaches its edges in both directions.
func (g *Graph) Remove(name string) {
	node, ok := g.nodes[name]
	if !ok {
		return
	}
	for _, dep := range node.Dependencies {
		if depNode, ok := g.nodes[dep]; ok {
			depNode.Dependents = remove(depNode.Dependents, name)
		}
	}
	for _, dependent := range node.Dependents {
		if depNode, ok := g.nodes[dependent]; ok {
			depNode.Dependencies = remove(depNode.Dependencies, name)
		}
	}
	delete(g.nodes, name)
}

// Node returns the named node, or nil.
func (g *Graph) Node(name string) *Node {
	return g.nodes[name]
}

// Names returns all node names, sorted.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Dependencies returns the direct dependencies of name, sorted.
func (g *Graph) Dependencies(name string) []string {
	if node, ok := g.nodes[name]; ok {
		return sortedCopy(node.Dependencies)
	}
	return nil
}

// Dependents returns the direct dependents of name, sorted.
func (g *Graph) Dependents(name string) []string {
	if node, ok := g.nodes[name]; ok {
		return sortedCopy(node.Dependents)
	}
	return nil
}

// AllDependencies returns the transitive dependencies of name, sorted.
func (g *Graph) AllDependencies(name string) []string {
	return g.closure(name, func(n *Node) []string { return n.Dependencies })
}

// AllDependents returns the transitive dependents of name, sorted.
func (g *Graph) AllDependents(name string) []string {
	return g.closure(name, func(n *Node) []string { return n.Dependents })
}

func (g *Graph) closure(name string, next func(*Node) []string) []string {
	seen := make(map[string]struct{})
	var visit func(string)
	visit = func(cur string) {
		node, ok := g.nodes[cur]
		if !ok {
			return
		}
		for _, n := range next(node) {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			visit(n)
		}
	}
	visit(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DetectCycle returns a cycle path with the entry node repeated at the
// end, or nil if the graph is acyclic.
func (g *Graph) DetectCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(g.nodes))
	var path []string
	var cycle []string

	var visit func(string) bool
	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)

		node := g.nodes[name]
		for _, dep := range sortedCopy(node.Dependencies) {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				// back edge: slice the path from the first occurrence
				// of dep and close the loop
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, name := range g.Names() {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns execution levels: each level contains every
// node whose remaining in-degree was zero when the level started, so the
// whole level can run in parallel. A cycle returns a DependencyError
// carrying its path.
func (g *Graph) TopologicalOrder() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for name, node := range g.nodes {
		count := 0
		for _, dep := range node.Dependencies {
			if _, ok := g.nodes[dep]; ok {
				count++
			}
		}
		inDegree[name] = count
	}

	var levels [][]string
	processed := 0
	remaining := make(map[string]struct{}, len(g.nodes))
	for name := range g.nodes {
		remaining[name] = struct{}{}
	}

	for len(remaining) > 0 {
		var level []string
		for name := range remaining {
			if inDegree[name] == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			break
		}
		sort.Strings(level)

		for _, name := range level {
			delete(remaining, name)
			processed++
			g.nodes[name].Level = len(levels)
			for _, dependent := range g.nodes[name].Dependents {
				if _, ok := remaining[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
		levels = append(levels, level)
	}

	if processed != len(g.nodes) {
		return nil, &tserrors.DependencyError{
			Message: "graph contains a cycle",
			Cycle:   g.DetectCycle(),
		}
	}
	return levels, nil
}

// ExecutionOrder returns topological levels restricted to subset plus its
// transitive dependencies. A nil subset means the full graph.
func (g *Graph) ExecutionOrder(subset []string) ([][]string, error) {
	levels, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	if subset == nil {
		return levels, nil
	}

	include := make(map[string]struct{})
	for _, name := range subset {
		if _, ok := g.nodes[name]; !ok {
			return nil, &tserrors.ModelNotFoundError{Model: name}
		}
		include[name] = struct{}{}
		for _, dep := range g.AllDependencies(name) {
			include[dep] = struct{}{}
		}
	}

	var filtered [][]string
	for _, level := range levels {
		var keep []string
		for _, name := range level {
			if _, ok := include[name]; ok {
				keep = append(keep, name)
			}
		}
		if len(keep) > 0 {
			filtered = append(filtered, keep)
		}
	}
	return filtered, nil
}

// Impact returns everything downstream of the changed models: the
// transitive closure of dependents, sorted, excluding the inputs.
func (g *Graph) Impact(changed []string) []string {
	seen := make(map[string]struct{})
	for _, name := range changed {
		for _, d := range g.AllDependents(name) {
			seen[d] = struct{}{}
		}
	}
	for _, name := range changed {
		delete(seen, name)
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ColumnImpact returns downstream "model.column" pairs whose lineage
// traces back to the given column, recursively. Lineage tables may be
// recorded as the model name or its __REF_name__ placeholder.
func (g *Graph) ColumnImpact(model, column string) []string {
	seen := make(map[string]struct{})
	g.columnImpact(model, column, seen)

	out := make([]string, 0, len(seen))
	for pair := range seen {
		out = append(out, pair)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) columnImpact(model, column string, seen map[string]struct{}) {
	node, ok := g.nodes[model]
	if !ok {
		return
	}
	for _, depName := range node.Dependents {
		dep, ok := g.nodes[depName]
		if !ok || dep.Lineage == nil {
			continue
		}
		for colName, col := range dep.Lineage.Columns {
			if !referencesColumn(col, model, column) {
				continue
			}
			pair := depName + "." + colName
			if _, dup := seen[pair]; dup {
				continue
			}
			seen[pair] = struct{}{}
			g.columnImpact(depName, colName, seen)
		}
	}
}

func referencesColumn(col *lineage.ColumnLineage, model, column string) bool {
	placeholder := "__REF_" + model + "__"
	for _, src := range col.Sources {
		if src.Column != column && src.Column != "*" {
			continue
		}
		if src.Table == model || src.Table == placeholder {
			return true
		}
	}
	return false
}

// ToDOT renders the graph in graphviz DOT format with deterministic
// ordering.
func (g *Graph) ToDOT() string {
	var b strings.Builder
	b.WriteString("digraph models {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=rounded];\n")

	for _, name := range g.Names() {
		fmt.Fprintf(&b, "  %q;\n", name)
	}
	for _, name := range g.Names() {
		for _, dep := range g.Dependencies(name) {
			fmt.Fprintf(&b, "  %q -> %q;\n", dep, name)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func (g *Graph) ensure(name string) *Node {
	if node, ok := g.nodes[name]; ok {
		return node
	}
	node := &Node{Name: name}
	g.nodes[name] = node
	return node
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

func remove(in []string, name string) []string {
	out := in[:0]
	for _, s := range in {
		if s != name {
			out = append(out, s)
		}
	}
	return out
}
