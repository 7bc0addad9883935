package sshd

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/sshrescue/pkg/engine"
	"github.com/rs/zerolog"
)

// Output lines for runs that end before a report is produced.
const (
	exceptionOutput = "[WARN] module generated an exception and exited abnormally. " +
		"Review the logs to determine the cause of the issue.\n"
	injectNeedsRemediateOutput = "[FAILURE] Key injection requires remediation to be enabled.\n"
	injectSuccessOutput        = "[SUCCESS] New public key injected.\n"
	injectFailureOutput        = "[FAILURE] Failed to inject new public key.\n"
)

// ErrRemediationDisabled is returned when a key must be injected but
// remediation was not requested.
var ErrRemediationDisabled = errors.New("remediation disabled")

// Module runs the OpenSSH diagnosis end to end.
type Module struct {
	Settings *Settings
	System   System

	// Metadata supplies the instance key for injection. Optional.
	Metadata MetadataClient

	// Auditor enables hardening policy checks. Optional.
	Auditor ConfigAuditor

	// Observer receives solve progress. Optional.
	Observer engine.Observer

	// RunID identifies the run. A random UUID is used when empty.
	RunID string

	Logger zerolog.Logger
}

// Result is the outcome of one Module run.
type Result struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	// Status is SUCCESS, FAILURE or WARN.
	Status string

	Graph     *engine.DirectedAcyclicGraph
	Evaluated []string
	Report    *Report

	// SolveDuration is the time spent checking and fixing.
	SolveDuration time.Duration

	// Output is the text shown to the operator.
	Output string

	KeyInjected bool
	Backups     map[string]string
}

// Run diagnoses, and when Settings.Remediate is set repairs, the local
// OpenSSH installation. Setup failures are tolerated: the graph is built
// with default settings and the checks themselves surface the faults.
//
// The returned Result is never nil. A non-nil error means the run aborted;
// Result.Output then carries the exception notice.
func (m *Module) Run(ctx context.Context) (*Result, error) {
	s := m.Settings
	res := &Result{
		RunID:     m.RunID,
		StartedAt: time.Now().UTC(),
		Status:    StatusWarn,
	}
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}
	logger := m.Logger.With().Str("run_id", res.RunID).Logger()
	defer func() { res.FinishedAt = time.Now().UTC() }()

	abort := func(err error) (*Result, error) {
		logger.Error().Err(err).Msg("Run aborted")
		res.Status = StatusWarn
		res.Output = exceptionOutput
		return res, err
	}

	if err := Setup(ctx, m.System, s); err != nil {
		logger.Warn().Err(err).Msg("Setup incomplete, continuing with defaults")
	}
	logger.Info().
		Str("config", s.ConfigPath).
		Str("priv_sep_dir", s.PrivSepDir).
		Bool("remediate", s.Remediate).
		Msg("Starting OpenSSH diagnosis")

	backup := NewBackup(m.System, s.BackupDir)
	defer func() { res.Backups = backup.Files() }()

	if s.InjectKey || s.InjectKeyOnly {
		if !s.Remediate {
			if s.InjectKeyOnly {
				res.Status = StatusFailure
				res.Output = injectNeedsRemediateOutput
				return res, ErrRemediationDisabled
			}
			logger.Warn().Msg("Key injection requested without remediation; skipping injection")
		} else {
			injector := NewKeyInjector(m.System, s, backup, m.Metadata, logger)
			if err := injector.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Key injection failed")
				res.Status = StatusFailure
				res.Output = injectFailureOutput
				return res, err
			}
			res.KeyInjected = true
			if s.InjectKeyOnly {
				res.Status = StatusSuccess
				res.Output = injectSuccessOutput
				return res, nil
			}
		}
	}

	catalog := NewCatalog(ctx, s, m.System, backup,
		WithAuditor(m.Auditor),
		WithLogger(logger))

	g, err := BuildGraph(catalog)
	if err != nil {
		return abort(err)
	}
	res.Graph = g

	var opts []engine.SolveOption
	if m.Observer != nil {
		opts = append(opts, engine.WithObserver(m.Observer))
	}
	solveStart := time.Now()
	evaluated, err := g.TopologicalSolve(s.Remediate, opts...)
	res.SolveDuration = time.Since(solveStart)
	for _, v := range evaluated {
		res.Evaluated = append(res.Evaluated, v.Label())
	}
	if err != nil {
		return abort(err)
	}

	res.Report = BuildReport(g, s.LogDir)
	res.Status = res.Report.Status
	res.Output = res.Report.Text()

	logger.Info().
		Str("status", res.Status).
		Int("evaluated", len(res.Evaluated)).
		Strs("backups", slices.Sorted(maps.Keys(backup.Files()))).
		Msg("OpenSSH diagnosis complete")
	return res, nil
}
