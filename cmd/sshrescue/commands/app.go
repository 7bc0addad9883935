package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sshrescue/pkg/config"
	"github.com/openfroyo/sshrescue/pkg/policy"
	"github.com/openfroyo/sshrescue/pkg/sshd"
	"github.com/openfroyo/sshrescue/pkg/stores"
	"github.com/openfroyo/sshrescue/pkg/telemetry"
)

const defaultConfigPath = config.DefaultPath

// app holds what every command needs once flags are parsed.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	flags  *globalFlags
	policy *policy.Engine
}

// newApp loads the tool configuration and starts telemetry. runLog routes
// debug output to the per-run log file under the log directory.
func newApp(cmd *cobra.Command, flags *globalFlags, runLog bool) (*app, error) {
	ctx := cmd.Context()

	path := flags.configPath
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.NewCUEParser().Load(ctx, path)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg, flags, runLog))
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}
	return &app{cfg: cfg, tel: tel, flags: flags}, nil
}

// telemetryConfig maps the tool configuration onto telemetry settings.
func telemetryConfig(cfg *config.Config, flags *globalFlags, runLog bool) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = flags.version
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	if flags.verbose {
		tc.Logging.Level = "debug"
		tc.Logging.EnableCaller = true
	}
	if runLog {
		tc.Logging.File = cfg.LogFile()
	}

	tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddr
	tc.Metrics.TextfilePath = cfg.Telemetry.MetricsTextfile

	tr := cfg.Telemetry.Tracing
	tc.Tracing.Enabled = tr.Exporter != "" && tr.Exporter != "none"
	tc.Tracing.Exporter = tr.Exporter
	tc.Tracing.Endpoint = tr.Endpoint
	tc.Tracing.SamplingRate = tr.Sampling
	return tc
}

func (a *app) ctx(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.tel.Logger.WithError(err).Warn("Telemetry shutdown incomplete")
	}
}

// policyEngine builds the hardening policy engine once per process.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if a.policy != nil {
		return a.policy, nil
	}

	logger := a.tel.Logger.NewComponentLogger("policy").Zerolog()
	engine, err := policy.NewEngine(logger, policy.WithMinSeverity(a.cfg.Policies.Severity()))
	if err != nil {
		return nil, err
	}
	if len(a.cfg.Policies.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, a.cfg.Policies.Paths); err != nil {
			return nil, err
		}
	}
	a.applyDisabled(engine)

	a.policy = engine
	return engine, nil
}

func (a *app) applyDisabled(engine *policy.Engine) {
	for _, name := range a.cfg.Policies.Disabled {
		if err := engine.DisablePolicy(name); err != nil {
			a.tel.Logger.WithError(err).WithField("policy", name).Warn("Cannot disable unknown policy")
		}
	}
}

// settings returns run settings with the tool configuration applied.
func (a *app) settings() *sshd.Settings {
	s := sshd.DefaultSettings()
	a.cfg.ApplyTo(s)
	return s
}

// runModule performs one diagnosis run with full telemetry and records
// it in the history store. Failures to record are logged, never returned.
func (a *app) runModule(ctx context.Context, mode stores.RunMode, s *sshd.Settings) (*sshd.Result, error) {
	runID := uuid.NewString()
	ctx = telemetry.WithRunContext(a.ctx(ctx), runID, string(mode))
	logger := telemetry.FromContext(ctx)

	module := &sshd.Module{
		Settings: s,
		System:   sshd.NewOSSystem(),
		Metadata: sshd.NewMetadataClient(),
		Observer: telemetry.NewSolveObserver(ctx, a.tel),
		Logger:   logger.Zerolog(),
		RunID:    runID,
	}
	if engine, err := a.policyEngine(ctx); err != nil {
		logger.WithError(err).Warn("Policy engine unavailable, skipping hardening checks")
	} else {
		module.Auditor = engine
	}

	res, runErr := module.Run(ctx)
	if res.Graph != nil {
		a.tel.Metrics.ObserveSolve(res.SolveDuration)
	}
	if res.Report != nil {
		a.tel.Metrics.SetProblemStates(res.Report.Counts)
	}
	telemetry.EndRunContext(ctx, res.Status, runErr)

	if err := a.record(ctx, mode, res, runErr); err != nil {
		logger.WithError(err).Warn("Run history not recorded")
	}
	return res, runErr
}

func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// record stores a finished run and the final state of its problems.
func (a *app) record(ctx context.Context, mode stores.RunMode, res *sshd.Result, runErr error) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return recordRun(ctx, store, mode, res, runErr)
}

func recordRun(ctx context.Context, store stores.Store, mode stores.RunMode, res *sshd.Result, runErr error) error {
	run := &stores.Run{
		ID:        res.RunID,
		Mode:      mode,
		StartedAt: res.StartedAt,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		return err
	}

	if res.Graph != nil {
		if err := store.RecordResults(ctx, res.RunID, problemResults(res)); err != nil {
			return err
		}
	}

	completion := stores.RunCompletion{
		Status: res.Status,
		Output: res.Output,
	}
	if res.Report != nil {
		report, err := json.Marshal(res.Report)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		completion.Report = string(report)
		if len(res.Report.Headline) > 0 {
			completion.Summary = res.Report.Headline[0]
		}
	}
	if runErr != nil {
		msg := runErr.Error()
		completion.Error = &msg
	}
	return store.CompleteRun(ctx, res.RunID, completion)
}

// problemResults flattens the solved graph in insertion order.
func problemResults(res *sshd.Result) []stores.ProblemResult {
	var out []stores.ProblemResult
	for i, v := range res.Graph.Vertices() {
		p, ok := v.Problem()
		if !ok {
			continue
		}
		out = append(out, stores.ProblemResult{
			Position:  i,
			Label:     v.Label(),
			State:     string(p.State()),
			ItemType:  string(p.ItemType()),
			Item:      fmt.Sprint(p.Item()),
			Value:     p.ValueStr(),
			InfoMsg:   p.InfoMsg(),
			FixMsg:    p.FixMsg(),
			Evaluated: slices.Contains(res.Evaluated, v.Label()),
		})
	}
	return out
}
