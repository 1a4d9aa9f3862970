package pipeline

import (
	"fmt"
	"slices"
)

// A dependency edge: stage To copies port Port from stage From.
type Edge struct {
	From string `json:"from"`
	Port string `json:"port"`
	To   string `json:"to"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s", e.From, e.Port, e.To)
}

// Directed graph of stages. An edge from A to B means A must complete
// before B starts.
type Graph struct {
	nodes     []string            // Stage names in declaration order.
	nodeSet   map[string]bool     // Membership lookup.
	adjacency map[string][]string // Stage to the stages that depend on it.
	edges     []Edge              // Artifact edges in declaration order.
}

// Creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodeSet:   make(map[string]bool),
		adjacency: make(map[string][]string),
	}
}

// Builds the stage graph of the pipeline.
//
// Every stage is a node. Every stage copy step contributes an edge labelled
// with the copied port; repeated copies between the same pair of stages
// share one scheduling edge.
func (p *Pipeline) Graph() *Graph {
	g := NewGraph()
	for _, s := range p.Stages {
		g.AddNode(s.Name)
	}
	for _, s := range p.Stages {
		for _, step := range s.Steps {
			if step.Copy != nil && step.Copy.IsStageCopy() {
				g.AddEdge(Edge{From: step.Copy.From, Port: step.Copy.Artifact, To: s.Name})
			}
		}
	}
	return g
}

// Adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if g.nodeSet[name] {
		return
	}
	g.nodeSet[name] = true
	g.nodes = append(g.nodes, name)
}

// Adds an artifact edge, implicitly adding both nodes.
func (g *Graph) AddEdge(e Edge) {
	g.AddNode(e.From)
	g.AddNode(e.To)
	g.edges = append(g.edges, e)
	if !slices.Contains(g.adjacency[e.From], e.To) {
		g.adjacency[e.From] = append(g.adjacency[e.From], e.To)
	}
}

// Returns the artifact edges in insertion order.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// Returns the stages that name directly depends on.
func (g *Graph) Dependencies(name string) []string {
	var deps []string
	for _, n := range g.nodes {
		if slices.Contains(g.adjacency[n], name) {
			deps = append(deps, n)
		}
	}
	return deps
}

// Returns name and every stage it transitively depends on, in declaration
// order.
func (g *Graph) Ancestors(name string) []string {
	keep := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, dep := range g.Dependencies(n) {
			if !keep[dep] {
				keep[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	var out []string
	for _, n := range g.nodes {
		if keep[n] {
			out = append(out, n)
		}
	}
	return out
}

// Returns an execution order using Kahn's algorithm.
//
// The order is deterministic: stages at the same depth keep their
// declaration order. Returns a [CycleError] if the graph has a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		inDegree[n] = 0
	}
	for _, targets := range g.adjacency {
		for _, t := range targets {
			inDegree[t]++
		}
	}

	var queue []string
	for _, n := range g.nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		for _, t := range g.adjacency[n] {
			inDegree[t]--
			if inDegree[t] == 0 {
				queue = append(queue, t)
			}
		}
	}

	if len(order) != len(g.nodes) {
		var cycle []string
		for _, n := range g.nodes {
			if inDegree[n] > 0 {
				cycle = append(cycle, n)
			}
		}
		return nil, &CycleError{Cycle: cycle}
	}

	return order, nil
}
