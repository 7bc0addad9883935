package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for sshrescue runs.
// A Metrics built from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	lastRunTime   *prometheus.GaugeVec
	solveDuration prometheus.Histogram

	// Problem metrics
	checksTotal       *prometheus.CounterVec
	skippedTotal      prometheus.Counter
	remediationsTotal *prometheus.CounterVec
	problemStates     *prometheus.GaugeVec

	// Watch metrics
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of completed runs by mode and overall status",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of a whole run in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		lastRunTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last completed run by mode",
			},
			[]string{"mode"},
		),
		solveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "solve_duration_seconds",
				Help:      "Duration of the topological solve in seconds",
				Buckets:   buckets,
			},
		),
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_total",
				Help:      "Total number of problem checks by resulting state",
			},
			[]string{"state"},
		),
		skippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_total",
				Help:      "Total number of problems skipped because a dependency failed",
			},
		),
		remediationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remediations_total",
				Help:      "Total number of remediation attempts by result",
			},
			[]string{"result"},
		),
		problemStates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "problems",
				Help:      "Number of problems per final state in the last run",
			},
			[]string{"state"},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of sshd_config change events handled by watch",
			},
			[]string{"result"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.lastRunTime,
		m.solveDuration,
		m.checksTotal,
		m.skippedTotal,
		m.remediationsTotal,
		m.problemStates,
		m.configReloads,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRun records a completed run.
func (m *Metrics) RecordRun(mode, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsTotal.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.lastRunTime.WithLabelValues(mode).SetToCurrentTime()
}

// ObserveSolve records the duration of one topological solve.
func (m *Metrics) ObserveSolve(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.solveDuration.Observe(duration.Seconds())
}

// RecordCheck records the state a problem check produced.
func (m *Metrics) RecordCheck(state string) {
	if !m.enabled() {
		return
	}
	m.checksTotal.WithLabelValues(state).Inc()
}

// RecordSkipped records a problem that was not checked.
func (m *Metrics) RecordSkipped() {
	if !m.enabled() {
		return
	}
	m.skippedTotal.Inc()
}

// RecordRemediation records a remediation attempt.
func (m *Metrics) RecordRemediation(fixed bool) {
	if !m.enabled() {
		return
	}
	result := "fixed"
	if !fixed {
		result = "failed"
	}
	m.remediationsTotal.WithLabelValues(result).Inc()
}

// SetProblemStates replaces the per-state problem gauge with counts.
func (m *Metrics) SetProblemStates(counts map[string]int) {
	if !m.enabled() {
		return
	}
	m.problemStates.Reset()
	for state, n := range counts {
		m.problemStates.WithLabelValues(state).Set(float64(n))
	}
}

// RecordConfigReload records a watch-triggered run.
func (m *Metrics) RecordConfigReload(result string) {
	if !m.enabled() {
		return
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// WriteTextfile writes the registry to path in the text exposition format.
// The file is written atomically so the node exporter never reads a
// partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if !m.enabled() || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// StartMetricsServer serves metrics until ctx is done. It returns the
// bound address, which differs from ListenAddress when that uses port 0.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) (string, error) {
	if !m.enabled() || m.config.ListenAddress == "" {
		return "", nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return listener.Addr().String(), nil
}
