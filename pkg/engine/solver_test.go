package engine

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeProblem builds a Problem whose check reports fault and whose fix
// returns fixed. It counts calls in the returned counters.
func fakeProblem(fault bool, fixed bool) (*Problem, *int, *int) {
	checks, fixes := 0, 0
	p := NewProblem(ProblemSpec{
		ItemType: ItemTypeFile,
		Check: func() (Outcome, error) {
			checks++
			return Detected(fault), nil
		},
		Fix: func() (bool, error) {
			fixes++
			return fixed, nil
		},
	})
	return p, &checks, &fixes
}

func labelsOf(vs []*Vertex) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Label())
	}
	return out
}

func problemGraph(t *testing.T, problems map[string]*Problem, order []string, edges ...[2]string) *DirectedAcyclicGraph {
	t.Helper()
	g := NewDirectedAcyclicGraph()
	for _, l := range order {
		if !g.AddVertex(NewVertex(l, problems[l])) {
			t.Fatalf("failed to add vertex %s", l)
		}
	}
	addEdges(t, g, edges...)
	return g
}

func stateOf(g *DirectedAcyclicGraph, label string) State {
	v, _ := g.Vertex(label)
	p, _ := v.Problem()
	return p.State()
}

func TestTopologicalSolve_ChainFixSucceeds(t *testing.T) {
	a, _, aFixes := fakeProblem(true, true)
	b, _, _ := fakeProblem(false, false)
	c, _, _ := fakeProblem(false, false)
	g := problemGraph(t, map[string]*Problem{"a": a, "b": b, "c": c}, []string{"a", "b", "c"},
		[2]string{"a", "b"}, [2]string{"b", "c"})

	got, err := g.TopologicalSolve(true)
	if err != nil {
		t.Fatalf("TopologicalSolve failed: %v", err)
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, labelsOf(got)); diff != "" {
		t.Errorf("evaluated mismatch (-want +got):\n%s", diff)
	}
	if a.State() != StateFixed {
		t.Errorf("Expected a FIXED, got %s", a.State())
	}
	if *aFixes != 1 {
		t.Errorf("Expected one fix attempt, got %d", *aFixes)
	}
	if b.State() != StateOK || c.State() != StateOK {
		t.Errorf("Expected b and c OK, got %s, %s", b.State(), c.State())
	}
}

func TestTopologicalSolve_ChainFixFails(t *testing.T) {
	a, _, _ := fakeProblem(true, false)
	b, bChecks, _ := fakeProblem(true, true)
	c, cChecks, _ := fakeProblem(true, true)
	g := problemGraph(t, map[string]*Problem{"a": a, "b": b, "c": c}, []string{"a", "b", "c"},
		[2]string{"a", "b"}, [2]string{"b", "c"})

	got, err := g.TopologicalSolve(true)
	if err != nil {
		t.Fatalf("TopologicalSolve failed: %v", err)
	}

	if diff := cmp.Diff([]string{"a"}, labelsOf(got)); diff != "" {
		t.Errorf("evaluated mismatch (-want +got):\n%s", diff)
	}
	if a.State() != StateFixFailed {
		t.Errorf("Expected a FIX_FAILED, got %s", a.State())
	}
	if b.State() != StateUnchecked || c.State() != StateUnchecked {
		t.Errorf("Expected b and c UNCHECKED, got %s, %s", b.State(), c.State())
	}
	if *bChecks != 0 || *cChecks != 0 {
		t.Errorf("Expected skipped checks not to run, got %d, %d", *bChecks, *cChecks)
	}
	for _, l := range []string{"b", "c"} {
		if v, _ := g.Vertex(l); v.Continuable() {
			t.Errorf("Expected %s to be marked not continuable", l)
		}
	}
}

func TestTopologicalSolve_Diamond(t *testing.T) {
	// Insertion orders differ only in where b sits; the result must not.
	orders := [][]string{{"a", "b", "c"}, {"a", "c", "b"}, {"c", "b", "a"}}

	for _, order := range orders {
		a, _, _ := fakeProblem(false, false)
		b, _, _ := fakeProblem(true, true)
		c, _, _ := fakeProblem(true, false)
		g := problemGraph(t, map[string]*Problem{"a": a, "b": b, "c": c}, order,
			[2]string{"a", "b"}, [2]string{"a", "c"}, [2]string{"c", "b"})

		got, err := g.TopologicalSolve(true)
		if err != nil {
			t.Fatalf("TopologicalSolve failed: %v", err)
		}
		if diff := cmp.Diff([]string{"a", "c"}, labelsOf(got)); diff != "" {
			t.Errorf("order %v: evaluated mismatch (-want +got):\n%s", order, diff)
		}
		if b.State() != StateUnchecked {
			t.Errorf("order %v: expected b UNCHECKED, got %s", order, b.State())
		}
	}
}

func TestTopologicalSolve_DetectOnly(t *testing.T) {
	a, _, aFixes := fakeProblem(true, false)
	b, _, bFixes := fakeProblem(true, false)
	c, _, _ := fakeProblem(false, false)
	g := problemGraph(t, map[string]*Problem{"a": a, "b": b, "c": c}, []string{"a", "b", "c"},
		[2]string{"a", "b"}, [2]string{"b", "c"})

	got, err := g.TopologicalSolve(false)
	if err != nil {
		t.Fatalf("TopologicalSolve failed: %v", err)
	}

	// Detection alone never cuts descendants off.
	if diff := cmp.Diff([]string{"a", "b", "c"}, labelsOf(got)); diff != "" {
		t.Errorf("evaluated mismatch (-want +got):\n%s", diff)
	}
	if *aFixes != 0 || *bFixes != 0 {
		t.Errorf("Expected no fix attempts, got %d, %d", *aFixes, *bFixes)
	}
	for l, want := range map[string]State{"a": StateFailure, "b": StateFailure, "c": StateOK} {
		if got := stateOf(g, l); got != want {
			t.Errorf("vertex %s: expected %s, got %s", l, want, got)
		}
	}
}

func TestTopologicalSolve_Warn(t *testing.T) {
	fixes := 0
	w := NewProblem(ProblemSpec{
		Check: func() (Outcome, error) { return OutcomeIndeterminate, nil },
		Fix: func() (bool, error) {
			fixes++
			return true, nil
		},
	})
	child, _, _ := fakeProblem(false, false)
	g := problemGraph(t, map[string]*Problem{"w": w, "child": child}, []string{"w", "child"},
		[2]string{"w", "child"})

	got, err := g.TopologicalSolve(true)
	if err != nil {
		t.Fatalf("TopologicalSolve failed: %v", err)
	}
	if diff := cmp.Diff([]string{"w", "child"}, labelsOf(got)); diff != "" {
		t.Errorf("evaluated mismatch (-want +got):\n%s", diff)
	}
	if w.State() != StateWarn {
		t.Errorf("Expected WARN, got %s", w.State())
	}
	if fixes != 0 {
		t.Errorf("Expected no fix attempt for an indeterminate check, got %d", fixes)
	}
}

func TestTopologicalSolve_Empty(t *testing.T) {
	got, err := NewDirectedAcyclicGraph().TopologicalSolve(true)
	if err != nil {
		t.Fatalf("TopologicalSolve failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no evaluated vertices, got %v", labelsOf(got))
	}
}

func TestTopologicalSolve_Rerun(t *testing.T) {
	a, _, _ := fakeProblem(true, false)
	b, _, _ := fakeProblem(false, false)
	g := problemGraph(t, map[string]*Problem{"a": a, "b": b}, []string{"a", "b"}, [2]string{"a", "b"})

	if _, err := g.TopologicalSolve(true); err != nil {
		t.Fatalf("first solve failed: %v", err)
	}
	got, err := g.TopologicalSolve(false)
	if err != nil {
		t.Fatalf("second solve failed: %v", err)
	}

	if diff := cmp.Diff([]string{"a", "b"}, labelsOf(got)); diff != "" {
		t.Errorf("evaluated mismatch (-want +got):\n%s", diff)
	}
	if a.State() != StateFailure || b.State() != StateOK {
		t.Errorf("Expected fresh lifecycle, got %s, %s", a.State(), b.State())
	}
}

func TestTopologicalSolve_NonProblemPayload(t *testing.T) {
	g := NewDirectedAcyclicGraph()
	g.AddVertex(NewVertex("a", "plain"))

	_, err := g.TopologicalSolve(true)
	if err == nil {
		t.Fatal("Expected error for non-problem payload")
	}
	if !IsPermanent(err) || CodeOf(err) != ErrCodeValidation {
		t.Errorf("Expected permanent validation error, got %v", err)
	}
}

func TestTopologicalSolve_CallbackErrorsAbort(t *testing.T) {
	boom := errors.New("sshd exploded")

	tests := []struct {
		name     string
		problem  *Problem
		wantCode string
		wantOp   string
	}{
		{
			name: "check error",
			problem: NewProblem(ProblemSpec{
				Check: func() (Outcome, error) { return OutcomeClear, boom },
			}),
			wantCode: ErrCodeCheckFailed,
			wantOp:   "check",
		},
		{
			name: "fix error",
			problem: NewProblem(ProblemSpec{
				Check: func() (Outcome, error) { return OutcomeFault, nil },
				Fix:   func() (bool, error) { return false, boom },
			}),
			wantCode: ErrCodeFixFailed,
			wantOp:   "fix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after, afterChecks, _ := fakeProblem(false, false)
			g := problemGraph(t, map[string]*Problem{"x": tt.problem, "after": after}, []string{"x", "after"},
				[2]string{"x", "after"})

			_, err := g.TopologicalSolve(true)
			if !errors.Is(err, boom) {
				t.Fatalf("Expected wrapped callback error, got %v", err)
			}
			var ee *EngineError
			if !errors.As(err, &ee) {
				t.Fatalf("Expected EngineError, got %T", err)
			}
			if ee.Code != tt.wantCode || ee.Operation != tt.wantOp || ee.Vertex != "x" {
				t.Errorf("unexpected error context: %+v", ee)
			}
			if *afterChecks != 0 {
				t.Error("Expected solve to stop at the failing callback")
			}
		})
	}
}

type recordingObserver struct {
	events []string
}

func (r *recordingObserver) Evaluated(label string, p *Problem) {
	r.events = append(r.events, "evaluated:"+label+":"+string(p.State()))
}

func (r *recordingObserver) Skipped(label string, p *Problem) {
	r.events = append(r.events, "skipped:"+label+":"+string(p.State()))
}

func (r *recordingObserver) Remediated(label string, p *Problem, fixed bool) {
	r.events = append(r.events, "remediated:"+label+":"+string(p.State()))
}

func TestTopologicalSolve_Observer(t *testing.T) {
	a, _, _ := fakeProblem(true, false)
	b, _, _ := fakeProblem(false, false)
	g := problemGraph(t, map[string]*Problem{"a": a, "b": b}, []string{"a", "b"}, [2]string{"a", "b"})

	obs := &recordingObserver{}
	if _, err := g.TopologicalSolve(true, WithObserver(obs)); err != nil {
		t.Fatalf("TopologicalSolve failed: %v", err)
	}

	want := []string{
		"evaluated:a:FAILURE",
		"remediated:a:FIX_FAILED",
		"skipped:b:UNCHECKED",
	}
	if diff := cmp.Diff(want, obs.events); diff != "" {
		t.Errorf("observer events mismatch (-want +got):\n%s", diff)
	}
}
