// Package stores keeps the history of sshrescue runs in SQLite.
// Each run records its mode, final status and rendered report, together
// with the final state of every problem in the diagnostic graph.
// The schema is managed by embedded golang-migrate migrations.
package stores
