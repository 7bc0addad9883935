package engine

import (
	"fmt"
	"slices"
	"strings"
)

// SearchMode selects the traversal strategy used by Search.
type SearchMode string

const (
	// SearchBreadth visits vertices level by level.
	SearchBreadth SearchMode = "breadth"

	// SearchDepth follows the most recently discovered successor first.
	SearchDepth SearchMode = "depth"
)

func (m SearchMode) valid() bool {
	return m == SearchBreadth || m == SearchDepth
}

// DirectedAcyclicGraph maps labels to vertices and keeps the edge relation
// acyclic at insertion time. Vertex iteration follows insertion order so every
// traversal is deterministic.
//
// A graph is built and solved by a single caller; it is not safe for
// concurrent use.
type DirectedAcyclicGraph struct {
	vertices map[string]*Vertex
	order    []string
}

// NewDirectedAcyclicGraph creates an empty graph.
func NewDirectedAcyclicGraph() *DirectedAcyclicGraph {
	return &DirectedAcyclicGraph{
		vertices: make(map[string]*Vertex),
		order:    make([]string, 0),
	}
}

// Len returns the number of vertices.
func (g *DirectedAcyclicGraph) Len() int {
	return len(g.order)
}

// Vertex looks up a vertex by label.
func (g *DirectedAcyclicGraph) Vertex(label string) (*Vertex, bool) {
	v, ok := g.vertices[label]
	return v, ok
}

// Vertices returns the vertices in insertion order.
func (g *DirectedAcyclicGraph) Vertices() []*Vertex {
	out := make([]*Vertex, 0, len(g.order))
	for _, label := range g.order {
		out = append(out, g.vertices[label])
	}
	return out
}

// Labels returns the vertex labels in insertion order.
func (g *DirectedAcyclicGraph) Labels() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// AddVertex inserts v with an in-degree of zero.
// It returns false without mutating the graph when the label is taken.
func (g *DirectedAcyclicGraph) AddVertex(v *Vertex) bool {
	if v == nil {
		return false
	}
	if _, exists := g.vertices[v.label]; exists {
		return false
	}
	v.inDegree = 0
	g.vertices[v.label] = v
	g.order = append(g.order, v.label)
	return true
}

// RemoveVertex deletes the vertex and every edge pointing at it.
// It returns false when the label is unknown.
func (g *DirectedAcyclicGraph) RemoveVertex(label string) bool {
	v, exists := g.vertices[label]
	if !exists {
		return false
	}

	for _, other := range g.vertices {
		other.RemoveSuccessor(label)
	}
	// Outgoing edges vanish with the vertex; keep the targets' counts exact.
	for _, succ := range v.successors {
		if s, ok := g.vertices[succ]; ok && s.inDegree > 0 {
			s.inDegree--
		}
	}

	delete(g.vertices, label)
	for i, l := range g.order {
		if l == label {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

// AddEdge adds the edge from -> to, meaning from must be evaluated before to.
// It returns false, leaving the graph unchanged, when either endpoint is
// missing, the edge is a self-loop or already exists, or to can already reach
// from.
func (g *DirectedAcyclicGraph) AddEdge(from, to string) bool {
	src, ok := g.vertices[from]
	if !ok {
		return false
	}
	dst, ok := g.vertices[to]
	if !ok {
		return false
	}
	if from == to || src.HasSuccessor(to) {
		return false
	}
	if g.reachable(dst, from) {
		return false
	}

	src.AddSuccessor(to)
	dst.inDegree++
	return true
}

// RemoveEdge removes the edge from -> to.
// It returns false when either endpoint or the edge itself is missing.
func (g *DirectedAcyclicGraph) RemoveEdge(from, to string) bool {
	src, ok := g.vertices[from]
	if !ok {
		return false
	}
	dst, ok := g.vertices[to]
	if !ok {
		return false
	}
	if !src.RemoveSuccessor(to) {
		return false
	}
	dst.inDegree--
	return true
}

// reachable reports whether target can be reached from start.
func (g *DirectedAcyclicGraph) reachable(start *Vertex, target string) bool {
	visited := make(map[string]bool)
	if _, ok := g.searchFrom(SearchDepth, start, visited); !ok {
		return false
	}
	return visited[target]
}

// TopologicalSort orders every vertex so each edge's source precedes its
// target (Kahn's algorithm). Sources are seeded in insertion order; vertices
// released by an emission are queued in successor order.
func (g *DirectedAcyclicGraph) TopologicalSort() []string {
	inDegree := make(map[string]int, len(g.vertices))
	queue := make([]string, 0, len(g.order))
	for _, label := range g.order {
		inDegree[label] = g.vertices[label].inDegree
		if inDegree[label] == 0 {
			queue = append(queue, label)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		label := queue[0]
		queue = queue[1:]
		sorted = append(sorted, label)

		for _, succ := range g.vertices[label].successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	return sorted
}

// Search traverses the whole graph, starting a new walk from every vertex not
// yet reached (in insertion order) so disconnected components are covered.
// It returns the visitation order, or nil and false for an unknown mode.
func (g *DirectedAcyclicGraph) Search(mode SearchMode) ([]string, bool) {
	if !mode.valid() {
		return nil, false
	}

	for _, v := range g.vertices {
		v.visited = false
	}

	visited := make(map[string]bool, len(g.vertices))
	order := make([]string, 0, len(g.order))
	for _, label := range g.order {
		if visited[label] {
			continue
		}
		walk, ok := g.searchFrom(mode, g.vertices[label], visited)
		if !ok {
			return nil, false
		}
		order = append(order, walk...)
	}

	for label := range visited {
		g.vertices[label].visited = true
	}
	return order, true
}

// searchFrom is the traversal kernel shared by Search, AddEdge and the solver.
// It walks from start, skipping and recording labels in visited, and fails
// when start is not the vertex registered under its label, visited is nil, or
// mode is unknown.
func (g *DirectedAcyclicGraph) searchFrom(mode SearchMode, start *Vertex, visited map[string]bool) ([]string, bool) {
	if !mode.valid() || visited == nil || start == nil {
		return nil, false
	}
	if registered, ok := g.vertices[start.label]; !ok || registered != start {
		return nil, false
	}

	order := make([]string, 0)

	switch mode {
	case SearchBreadth:
		if visited[start.label] {
			return order, true
		}
		visited[start.label] = true
		queue := []*Vertex{start}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			order = append(order, v.label)
			for _, succ := range v.successors {
				if visited[succ] {
					continue
				}
				visited[succ] = true
				queue = append(queue, g.vertices[succ])
			}
		}

	case SearchDepth:
		stack := []*Vertex{start}
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[v.label] {
				continue
			}
			visited[v.label] = true
			order = append(order, v.label)
			for _, succ := range v.successors {
				if !visited[succ] {
					stack = append(stack, g.vertices[succ])
				}
			}
		}
	}

	return order, true
}

// String renders one "label : succ1, succ2" line per vertex, sorted by
// label. Successors keep their insertion order.
func (g *DirectedAcyclicGraph) String() string {
	labels := slices.Sorted(slices.Values(g.order))
	lines := make([]string, 0, len(labels))
	for _, label := range labels {
		lines = append(lines, fmt.Sprintf("%s : %s", label, strings.Join(g.vertices[label].successors, ", ")))
	}
	return strings.Join(lines, "\n")
}

// ToDOT generates a DOT format representation of the graph for visualization.
// Vertices carrying a Problem are colored by state.
// The output can be rendered with Graphviz tools.
func (g *DirectedAcyclicGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ProblemGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, label := range g.order {
		v := g.vertices[label]
		nodeLabel := label
		color := "white"
		if p, ok := v.Problem(); ok {
			nodeLabel = fmt.Sprintf("%s\\n%s", label, p.State())
			color = stateColor(p.State())
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			label, nodeLabel, color))
	}
	sb.WriteString("\n")

	for _, label := range g.order {
		for _, succ := range g.vertices[label].successors {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", label, succ))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// stateColor returns a color for visualizing problem states.
func stateColor(s State) string {
	switch s {
	case StateOK:
		return "lightgreen"
	case StateFixed:
		return "palegreen"
	case StateFailure:
		return "lightcoral"
	case StateFixFailed:
		return "red"
	case StateWarn:
		return "lightyellow"
	default:
		return "lightgray"
	}
}
