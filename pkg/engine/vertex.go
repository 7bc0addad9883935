package engine

import (
	"fmt"
	"iter"
	"reflect"
	"slices"
)

// Vertex is a named node in a DirectedAcyclicGraph. It wraps an arbitrary
// payload (a *Problem when solving) and the ordered labels of its successors.
type Vertex struct {
	label string
	data  any

	// successors is an ordered set; insertion order is the traversal tie-break.
	successors []string

	visited     bool
	continuable bool

	// inDegree is maintained by the owning graph only.
	inDegree int
}

// NewVertex creates a continuable vertex with no successors.
func NewVertex(label string, data any) *Vertex {
	return &Vertex{
		label:       label,
		data:        data,
		successors:  make([]string, 0),
		continuable: true,
	}
}

// Label returns the vertex label.
func (v *Vertex) Label() string {
	return v.label
}

// Data returns the vertex payload.
func (v *Vertex) Data() any {
	return v.data
}

// Problem returns the payload as a *Problem, if it is one.
func (v *Vertex) Problem() (*Problem, bool) {
	p, ok := v.data.(*Problem)
	return p, ok && p != nil
}

// AddSuccessor appends label to the successor set.
// It returns false, leaving the vertex untouched, when label is already present.
func (v *Vertex) AddSuccessor(label string) bool {
	if v.HasSuccessor(label) {
		return false
	}
	v.successors = append(v.successors, label)
	return true
}

// RemoveSuccessor removes label from the successor set.
// It returns false when label was not a successor.
func (v *Vertex) RemoveSuccessor(label string) bool {
	i := slices.Index(v.successors, label)
	if i < 0 {
		return false
	}
	v.successors = slices.Delete(v.successors, i, i+1)
	return true
}

// HasSuccessor reports whether label is a successor of v.
func (v *Vertex) HasSuccessor(label string) bool {
	return slices.Contains(v.successors, label)
}

// Successors returns a copy of the successor labels in insertion order.
func (v *Vertex) Successors() []string {
	return slices.Clone(v.successors)
}

// All iterates over the successor labels in insertion order.
func (v *Vertex) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, s := range v.successors {
			if !yield(s) {
				return
			}
		}
	}
}

// InDegree returns the number of graph vertices that list v as a successor.
func (v *Vertex) InDegree() int {
	return v.inDegree
}

// Continuable reports whether v is still worth evaluating.
func (v *Vertex) Continuable() bool {
	return v.continuable
}

// SetContinuable marks v as reachable (true) or cut off by an upstream failure (false).
func (v *Vertex) SetContinuable(c bool) {
	v.continuable = c
}

// Visited reports whether the last traversal reached v.
func (v *Vertex) Visited() bool {
	return v.visited
}

// Equal compares label and payload. Successors are deliberately ignored so a
// vertex stays equal to itself across edge mutation.
func (v *Vertex) Equal(o *Vertex) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.label == o.label && reflect.DeepEqual(v.data, o.data)
}

// String returns the vertex label.
func (v *Vertex) String() string {
	return v.label
}

// GoString renders the label and payload, e.g. Vertex(label='a', data=1).
func (v *Vertex) GoString() string {
	return fmt.Sprintf("Vertex(label='%s', data=%v)", v.label, v.data)
}
