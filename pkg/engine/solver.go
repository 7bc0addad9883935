package engine

import "fmt"

// Observer receives solver progress. Implementations must not mutate the graph.
type Observer interface {
	// Evaluated is called after a vertex's check has run and its state is recorded.
	Evaluated(label string, p *Problem)

	// Skipped is called for a vertex cut off by an upstream fix failure.
	Skipped(label string, p *Problem)

	// Remediated is called after a fix attempt.
	Remediated(label string, p *Problem, fixed bool)
}

// SolveOption configures a TopologicalSolve call.
type SolveOption func(*solveOptions)

type solveOptions struct {
	observer Observer
}

// WithObserver registers an Observer for the solve pass.
func WithObserver(o Observer) SolveOption {
	return func(opts *solveOptions) {
		opts.observer = o
	}
}

type nopObserver struct{}

func (nopObserver) Evaluated(string, *Problem)        {}
func (nopObserver) Skipped(string, *Problem)          {}
func (nopObserver) Remediated(string, *Problem, bool) {}

// TopologicalSolve checks every Problem in dependency order and, when
// remediate is set, fixes the faults it finds. A failed fix cuts off every
// vertex reachable from it: those stay UNCHECKED and are left out of the
// result. Detection without remediation never cuts anything off.
//
// Every vertex must carry a *Problem. The returned slice holds the evaluated
// vertices in the order they were checked; on error it holds those evaluated
// before the failure.
func (g *DirectedAcyclicGraph) TopologicalSolve(remediate bool, opts ...SolveOption) ([]*Vertex, error) {
	options := solveOptions{observer: nopObserver{}}
	for _, opt := range opts {
		opt(&options)
	}
	obs := options.observer

	for _, label := range g.order {
		v := g.vertices[label]
		p, ok := v.Problem()
		if !ok {
			return nil, NewPermanentError("vertex payload is not a problem", fmt.Errorf("got %T", v.data)).
				WithCode(ErrCodeValidation).
				WithVertex(label).
				WithOperation("solve")
		}
		p.Reset()
		v.continuable = true
	}

	evaluated := make([]*Vertex, 0, len(g.order))
	for _, label := range g.TopologicalSort() {
		v := g.vertices[label]
		p, _ := v.Problem()

		if !v.continuable {
			for _, succ := range v.successors {
				g.vertices[succ].continuable = false
			}
			obs.Skipped(label, p)
			continue
		}

		outcome, err := p.Check()
		if err != nil {
			return evaluated, NewPermanentError("check aborted", err).
				WithCode(ErrCodeCheckFailed).
				WithVertex(label).
				WithOperation("check")
		}

		switch outcome {
		case OutcomeFault:
			p.SetState(StateFailure)
		case OutcomeIndeterminate:
			p.SetState(StateWarn)
		default:
			p.SetState(StateOK)
		}
		evaluated = append(evaluated, v)
		obs.Evaluated(label, p)

		if p.State() != StateFailure || !remediate {
			continue
		}

		fixed, err := p.Fix()
		if err != nil {
			return evaluated, NewPermanentError("fix aborted", err).
				WithCode(ErrCodeFixFailed).
				WithVertex(label).
				WithOperation("fix")
		}
		if fixed {
			p.SetState(StateFixed)
		} else {
			p.SetState(StateFixFailed)
			g.haltDescendants(v)
		}
		obs.Remediated(label, p, fixed)
	}

	return evaluated, nil
}

// haltDescendants marks every vertex reachable from v as not continuable.
func (g *DirectedAcyclicGraph) haltDescendants(v *Vertex) {
	visited := make(map[string]bool)
	reached, _ := g.searchFrom(SearchDepth, v, visited)
	for _, label := range reached {
		if label != v.label {
			g.vertices[label].continuable = false
		}
	}
}
