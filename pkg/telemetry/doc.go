// Package telemetry provides logging, tracing and metrics for sshrescue.
//
// Logging is zerolog based. The operator console gets the configured level
// and format, while the per-run log file (LoggingConfig.File) always receives
// debug-level JSON so a failed rescue can be read back afterwards.
//
// Tracing uses OpenTelemetry with an OTLP gRPC or stdout exporter. A run is
// one span; every check, skip and fix performed by the solver is a child
// span carrying the problem label, state and item.
//
// Metrics are Prometheus collectors on a private registry. They can be
// served over HTTP by the watch command or written to a node exporter
// textfile after a one-shot run.
//
// SolveObserver ties the three together as an engine.Observer:
//
//	tel, _ := telemetry.NewTelemetry(cfg)
//	ctx := telemetry.WithRunContext(tel.WithContext(ctx), runID, "diagnose")
//	g.TopologicalSolve(false, engine.WithObserver(telemetry.NewSolveObserver(ctx, tel)))
//	telemetry.EndRunContext(ctx, status, err)
package telemetry
