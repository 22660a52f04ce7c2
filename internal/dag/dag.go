// Package dag provides a directed acyclic graph keyed by string IDs.
// It supports cycle detection, deterministic topological ordering,
// execution levels, and the up/downstream queries used for task selection.
package dag

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Graph holds nodes carrying a value of type T. An edge from parent to child
// means the child depends on the parent.
type Graph[T any] struct {
	nodes    map[string]T
	children map[string][]string
	parents  map[string][]string
}

// CycleError reports a dependency cycle. Path starts and ends with the same node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Path, " -> ")
}

// New creates an empty graph.
func New[T any]() *Graph[T] {
	return &Graph[T]{
		nodes:    make(map[string]T),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// AddNode adds a node, replacing the value if the ID already exists.
func (g *Graph[T]) AddNode(id string, v T) {
	if _, ok := g.nodes[id]; !ok {
		g.children[id] = nil
		g.parents[id] = nil
	}
	g.nodes[id] = v
}

// AddEdge records that child depends on parent. Both must exist.
func (g *Graph[T]) AddEdge(parent, child string) error {
	if _, ok := g.nodes[parent]; !ok {
		return fmt.Errorf("parent node %q does not exist", parent)
	}
	if _, ok := g.nodes[child]; !ok {
		return fmt.Errorf("child node %q does not exist", child)
	}
	if parent == child {
		return fmt.Errorf("self-loop detected: %s", parent)
	}
	if !slices.Contains(g.children[parent], child) {
		g.children[parent] = append(g.children[parent], child)
	}
	if !slices.Contains(g.parents[child], parent) {
		g.parents[child] = append(g.parents[child], parent)
	}
	return nil
}

// Node returns the value stored for id.
func (g *Graph[T]) Node(id string) (T, bool) {
	v, ok := g.nodes[id]
	return v, ok
}

// Parents returns the direct dependencies of id, sorted.
func (g *Graph[T]) Parents(id string) []string {
	return sorted(g.parents[id])
}

// Children returns the direct dependents of id, sorted.
func (g *Graph[T]) Children(id string) []string {
	return sorted(g.children[id])
}

// IDs returns every node ID, sorted.
func (g *Graph[T]) IDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of nodes.
func (g *Graph[T]) Len() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph[T]) EdgeCount() int {
	n := 0
	for _, c := range g.children {
		n += len(c)
	}
	return n
}

// FindCycle returns a cycle if the graph has one.
func (g *Graph[T]) FindCycle() *CycleError {
	const (
		unvisited = iota
		onStack
		finished
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		state[id] = onStack
		stack = append(stack, id)
		for _, child := range g.Children(id) {
			switch state[child] {
			case onStack:
				start := slices.Index(stack, child)
				path := append(slices.Clone(stack[start:]), child)
				return &CycleError{Path: path}
			case unvisited:
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = finished
		return nil
	}

	for _, id := range g.IDs() {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalSort returns IDs with every dependency before its dependents.
// Ties are broken alphabetically so the order is stable.
func (g *Graph[T]) TopologicalSort() ([]string, error) {
	if err := g.FindCycle(); err != nil {
		return nil, err
	}

	visited := make(map[string]bool, len(g.nodes))
	order := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, p := range g.Parents(id) {
			visit(p)
		}
		order = append(order, id)
	}
	for _, id := range g.IDs() {
		visit(id)
	}
	return order, nil
}

// Levels groups nodes so that level N only depends on levels below N.
// Level 0 holds the roots.
func (g *Graph[T]) Levels() ([][]string, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	level := make(map[string]int, len(order))
	var levels [][]string
	for _, id := range order {
		l := 0
		for _, p := range g.parents[id] {
			if level[p]+1 > l {
				l = level[p] + 1
			}
		}
		level[id] = l
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels, nil
}

// Downstream returns ids plus everything that depends on them, sorted.
// Unknown IDs are ignored.
func (g *Graph[T]) Downstream(ids ...string) []string {
	return g.walk(ids, g.children, true)
}

// Upstream returns everything ids depend on, excluding ids themselves, sorted.
func (g *Graph[T]) Upstream(ids ...string) []string {
	return g.walk(ids, g.parents, false)
}

func (g *Graph[T]) walk(start []string, next map[string][]string, includeStart bool) []string {
	seen := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		for _, n := range next[id] {
			if !seen[n] {
				seen[n] = true
				visit(n)
			}
		}
	}
	for _, id := range start {
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		if includeStart {
			seen[id] = true
		}
		visit(id)
	}
	if !includeStart {
		for _, id := range start {
			delete(seen, id)
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Roots returns nodes without dependencies.
func (g *Graph[T]) Roots() []string {
	var roots []string
	for _, id := range g.IDs() {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns nodes nothing depends on.
func (g *Graph[T]) Leaves() []string {
	var leaves []string
	for _, id := range g.IDs() {
		if len(g.children[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Ready returns the nodes not yet in done whose dependencies are all in done.
func (g *Graph[T]) Ready(done map[string]bool) []string {
	var ready []string
	for _, id := range g.IDs() {
		if done[id] {
			continue
		}
		ok := true
		for _, p := range g.parents[id] {
			if !done[p] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Subgraph returns a graph with only the given nodes and the edges between them.
func (g *Graph[T]) Subgraph(ids []string) *Graph[T] {
	sub := New[T]()
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		if v, ok := g.nodes[id]; ok {
			sub.AddNode(id, v)
			keep[id] = true
		}
	}
	for id := range keep {
		for _, c := range g.children[id] {
			if keep[c] {
				_ = sub.AddEdge(id, c)
			}
		}
	}
	return sub
}

func sorted(ids []string) []string {
	out := slices.Clone(ids)
	sort.Strings(out)
	return out
}
