// Package engine provides the problem graph used by sshrescue to diagnose and
// remediate interdependent configuration faults.
//
// # Overview
//
// A DirectedAcyclicGraph holds Vertices keyed by label. An edge A -> B means
// "A must be evaluated before B": fixing A may reveal B, or B is meaningless
// while A is broken. Acyclicity is enforced when edges are added, so every
// graph can always be ordered.
//
// Each vertex carries a Problem: a fault with a caller-supplied check and fix
// and an explicit lifecycle:
//
//	UNCHECKED -> OK | FAILURE | WARN
//	FAILURE   -> FIXED | FIX_FAILED
//
// # Solving
//
// TopologicalSolve walks the graph in topological order. Each Problem is
// checked; with remediation enabled every FAILURE is fixed. When a fix fails,
// every vertex reachable from it is skipped and stays UNCHECKED, so reports
// can tell skipped items apart from passing ones.
//
//	g := engine.NewDirectedAcyclicGraph()
//	g.AddVertex(engine.NewVertex("missing_dir", dirProblem))
//	g.AddVertex(engine.NewVertex("bad_mode", modeProblem))
//	g.AddEdge("missing_dir", "bad_mode")
//	evaluated, err := g.TopologicalSolve(true)
//
// # Errors
//
// Graph misuse (duplicate labels, unknown endpoints, cycles) is reported by
// boolean returns. Errors raised by check or fix callbacks abort the solve and
// are returned wrapped in an EngineError.
package engine
