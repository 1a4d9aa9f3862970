package pipeline

import (
	"errors"
	"slices"
	"testing"
)

func stageCopy(from, artifact, to string) Step {
	return Step{Copy: &Copy{From: from, Artifact: artifact, To: to}}
}

func TestTopologicalSortDeclarationOrder(t *testing.T) {
	g := NewGraph()
	for _, n := range []string{"a", "b", "c", "d"} {
		g.AddNode(n)
	}
	g.AddEdge(Edge{From: "a", Port: "x", To: "d"})
	g.AddEdge(Edge{From: "b", Port: "y", To: "d"})

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	if !slices.Equal(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestTopologicalSortCycle(t *testing.T) {
	g := NewGraph()
	g.AddEdge(Edge{From: "a", Port: "x", To: "b"})
	g.AddEdge(Edge{From: "b", Port: "y", To: "a"})
	g.AddNode("c")

	_, err := g.TopologicalSort()
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("err = %v, want CycleError", err)
	}
	if !slices.Equal(cycle.Cycle, []string{"a", "b"}) {
		t.Fatalf("cycle = %v, want [a b]", cycle.Cycle)
	}
	if !errors.Is(err, ErrInvalidPipeline) {
		t.Fatal("CycleError does not unwrap to ErrInvalidPipeline")
	}
}

func TestTopologicalSortEmpty(t *testing.T) {
	order, err := NewGraph().TopologicalSort()
	if err != nil || order != nil {
		t.Fatalf("order = %v, err = %v", order, err)
	}
}

func TestPipelineGraph(t *testing.T) {
	p := &Pipeline{Stages: []Stage{
		{Name: "deps"},
		{Name: "build", Steps: []Step{stageCopy("deps", "vendor", "/src/vendor")}},
		{Name: "docs"},
		{Name: "runtime", Steps: []Step{
			stageCopy("build", "bin", "/app/bin"),
			stageCopy("build", "lib", "/app/lib"),
			{Copy: &Copy{Src: "config", To: "/app/config"}},
		}},
	}}

	g := p.Graph()

	edges := g.Edges()
	if len(edges) != 3 {
		t.Fatalf("edges = %v, want 3", edges)
	}
	if edges[1].String() != "build.bin -> runtime" {
		t.Fatalf("edge = %q", edges[1].String())
	}

	if deps := g.Dependencies("runtime"); !slices.Equal(deps, []string{"build"}) {
		t.Fatalf("dependencies = %v, want [build]", deps)
	}

	if got := g.Ancestors("runtime"); !slices.Equal(got, []string{"deps", "build", "runtime"}) {
		t.Fatalf("ancestors = %v", got)
	}
	if got := g.Ancestors("docs"); !slices.Equal(got, []string{"docs"}) {
		t.Fatalf("ancestors(docs) = %v", got)
	}
}

func TestStageDependencies(t *testing.T) {
	s := Stage{Steps: []Step{
		stageCopy("b", "x", "/x"),
		{Run: "true"},
		stageCopy("a", "y", "/y"),
		stageCopy("b", "z", "/z"),
	}}
	if got := s.Dependencies(); !slices.Equal(got, []string{"b", "a"}) {
		t.Fatalf("dependencies = %v, want [b a]", got)
	}
}
