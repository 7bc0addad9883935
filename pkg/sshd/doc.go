// Package sshd builds and renders the OpenSSH problem graph.
//
// It supplies the concrete checks and fixes for the engine package: each
// factory on Catalog returns an engine.Problem bound to one fault (missing
// daemon, bad configuration options, missing privilege separation directory,
// bad file modes, and so on). BuildGraph wires those problems into a
// DirectedAcyclicGraph whose edges encode which faults must be resolved
// before others can be judged, and OutputStatus renders the solved graph.
//
// All filesystem and process access goes through the System interface so the
// catalog can be exercised without root privileges.
package sshd
