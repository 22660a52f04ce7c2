package dag

import (
	"errors"
	"reflect"
	"testing"
)

// diamond builds fetch -> {unpack, index} -> report.
func diamond(t *testing.T) *Graph[int] {
	t.Helper()
	g := New[int]()
	for i, id := range []string{"fetch", "unpack", "index", "report"} {
		g.AddNode(id, i)
	}
	for _, e := range [][2]string{{"fetch", "unpack"}, {"fetch", "index"}, {"unpack", "report"}, {"index", "report"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("AddEdge(%s, %s): %v", e[0], e[1], err)
		}
	}
	return g
}

func TestGraph_AddNodeAndEdge(t *testing.T) {
	g := diamond(t)

	if g.Len() != 4 {
		t.Errorf("expected 4 nodes, got %d", g.Len())
	}
	if g.EdgeCount() != 4 {
		t.Errorf("expected 4 edges, got %d", g.EdgeCount())
	}

	// duplicate edges are ignored
	if err := g.AddEdge("fetch", "unpack"); err != nil {
		t.Fatal(err)
	}
	if g.EdgeCount() != 4 {
		t.Errorf("duplicate edge changed count to %d", g.EdgeCount())
	}

	if v, ok := g.Node("index"); !ok || v != 2 {
		t.Errorf("Node(index) = %d, %v", v, ok)
	}
	g.AddNode("index", 7)
	if v, _ := g.Node("index"); v != 7 {
		t.Errorf("AddNode should replace value, got %d", v)
	}
}

func TestGraph_AddEdge_Invalid(t *testing.T) {
	g := New[string]()
	g.AddNode("a", "")

	if err := g.AddEdge("a", "missing"); err == nil {
		t.Error("expected error for missing child")
	}
	if err := g.AddEdge("missing", "a"); err == nil {
		t.Error("expected error for missing parent")
	}
	if err := g.AddEdge("a", "a"); err == nil {
		t.Error("expected error for self-loop")
	}
}

func TestGraph_ParentsAndChildren(t *testing.T) {
	g := diamond(t)

	if got := g.Parents("report"); !reflect.DeepEqual(got, []string{"index", "unpack"}) {
		t.Errorf("Parents(report) = %v", got)
	}
	if got := g.Children("fetch"); !reflect.DeepEqual(got, []string{"index", "unpack"}) {
		t.Errorf("Children(fetch) = %v", got)
	}
}

func TestGraph_FindCycle(t *testing.T) {
	g := diamond(t)
	if err := g.FindCycle(); err != nil {
		t.Fatalf("unexpected cycle: %v", err)
	}

	if err := g.AddEdge("report", "fetch"); err != nil {
		t.Fatal(err)
	}
	cycle := g.FindCycle()
	if cycle == nil {
		t.Fatal("expected cycle")
	}
	if cycle.Path[0] != cycle.Path[len(cycle.Path)-1] {
		t.Errorf("cycle path should start and end on the same node: %v", cycle.Path)
	}

	_, err := g.TopologicalSort()
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Errorf("TopologicalSort error = %v, want *CycleError", err)
	}
}

func TestGraph_TopologicalSort(t *testing.T) {
	g := diamond(t)

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"fetch", "index", "unpack", "report"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestGraph_Levels(t *testing.T) {
	g := diamond(t)
	g.AddNode("lint", 0)

	levels, err := g.Levels()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"fetch", "lint"}, {"index", "unpack"}, {"report"}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("levels = %v, want %v", levels, want)
	}
}

func TestGraph_DownstreamAndUpstream(t *testing.T) {
	g := diamond(t)

	if got := g.Downstream("unpack"); !reflect.DeepEqual(got, []string{"report", "unpack"}) {
		t.Errorf("Downstream(unpack) = %v", got)
	}
	if got := g.Downstream("nope"); len(got) != 0 {
		t.Errorf("Downstream(nope) = %v", got)
	}
	if got := g.Upstream("report"); !reflect.DeepEqual(got, []string{"fetch", "index", "unpack"}) {
		t.Errorf("Upstream(report) = %v", got)
	}
	if got := g.Upstream("fetch"); len(got) != 0 {
		t.Errorf("Upstream(fetch) = %v", got)
	}
}

func TestGraph_RootsLeaves(t *testing.T) {
	g := diamond(t)
	if got := g.Roots(); !reflect.DeepEqual(got, []string{"fetch"}) {
		t.Errorf("Roots = %v", got)
	}
	if got := g.Leaves(); !reflect.DeepEqual(got, []string{"report"}) {
		t.Errorf("Leaves = %v", got)
	}
}

func TestGraph_Ready(t *testing.T) {
	g := diamond(t)

	steps := []struct {
		done map[string]bool
		want []string
	}{
		{done: map[string]bool{}, want: []string{"fetch"}},
		{done: map[string]bool{"fetch": true}, want: []string{"index", "unpack"}},
		{done: map[string]bool{"fetch": true, "unpack": true}, want: []string{"index"}},
		{done: map[string]bool{"fetch": true, "unpack": true, "index": true}, want: []string{"report"}},
	}
	for _, s := range steps {
		if got := g.Ready(s.done); !reflect.DeepEqual(got, s.want) {
			t.Errorf("Ready(%v) = %v, want %v", s.done, got, s.want)
		}
	}
}

func TestGraph_Subgraph(t *testing.T) {
	g := diamond(t)
	sub := g.Subgraph([]string{"unpack", "report", "ghost"})

	if sub.Len() != 2 {
		t.Errorf("expected 2 nodes, got %d", sub.Len())
	}
	if sub.EdgeCount() != 1 {
		t.Errorf("expected 1 edge, got %d", sub.EdgeCount())
	}
	if got := sub.Roots(); !reflect.DeepEqual(got, []string{"unpack"}) {
		t.Errorf("Roots = %v", got)
	}
}
