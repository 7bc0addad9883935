package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sshrescue/pkg/policy"
	"github.com/openfroyo/sshrescue/pkg/sshd"
	"github.com/openfroyo/sshrescue/pkg/stores"
	"github.com/openfroyo/sshrescue/pkg/telemetry"
)

func newWatchCommand(flags *globalFlags) *cobra.Command {
	var (
		sshdConfig  string
		debounce    time.Duration
		metricsAddr string
		remediate   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-diagnose whenever sshd_config changes",
		Long: `Watch sshd_config and run a diagnosis after every change, once edits
have settled for the debounce interval. Results are exported as
Prometheus metrics when a metrics address is configured, and every run
is kept in the history store.

Hardening policy files listed in the tool configuration are reloaded
when they change.`,
		Example: `  # Watch the default sshd_config and serve metrics
  sshrescue watch --metrics-addr 127.0.0.1:9310

  # Repair on change
  sshrescue watch --remediate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, true)
			if err != nil {
				return err
			}
			defer a.close()

			if metricsAddr != "" {
				a.tel.Config.Metrics.ListenAddress = metricsAddr
				a.tel.Metrics, err = telemetry.NewMetrics(a.tel.Config.Metrics)
				if err != nil {
					return err
				}
			}

			ctx := a.ctx(cmd.Context())
			addr, err := a.tel.Metrics.StartMetricsServer(ctx, a.tel.Logger)
			if err != nil {
				return err
			}
			if addr != "" {
				a.tel.Logger.Infof("Serving metrics on http://%s%s", addr, a.tel.Config.Metrics.Path)
			}

			if err := a.watchPolicies(ctx); err != nil {
				a.tel.Logger.WithError(err).Warn("Policy files will not be reloaded")
			}

			if sshdConfig == "" {
				sshdConfig = resolveConfigPath(ctx, a.settings())
			}

			w := &configWatcher{
				app:       a,
				path:      sshdConfig,
				debounce:  debounce,
				remediate: remediate || a.cfg.Remediate,
			}
			return w.run(ctx)
		},
	}

	cmd.Flags().StringVar(&sshdConfig, "sshd-config", "", "sshd_config to watch (default: as reported by sshd)")
	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "quiet period before re-diagnosing")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve metrics on this address (overrides config)")
	cmd.Flags().BoolVar(&remediate, "remediate", false, "repair detected problems")

	return cmd
}

// watchPolicies reloads the policy engine when configured policy files change.
func (a *app) watchPolicies(ctx context.Context) error {
	if len(a.cfg.Policies.Paths) == 0 {
		return nil
	}
	engine, err := a.policyEngine(ctx)
	if err != nil {
		return err
	}

	loader := policy.NewLoader(a.tel.Logger.NewComponentLogger("policy").Zerolog())
	return loader.Watch(ctx, a.cfg.Policies.Paths, func(policies []policy.Policy) error {
		if err := engine.ReloadPolicies(ctx, policies); err != nil {
			return err
		}
		a.applyDisabled(engine)
		return nil
	})
}

// resolveConfigPath asks sshd which configuration file it reads, falling
// back to the stock location.
func resolveConfigPath(ctx context.Context, s *sshd.Settings) string {
	path, err := sshd.ConfigFilePath(ctx, sshd.NewOSSystem(), s.SSHDPath)
	if err != nil {
		return sshd.DefaultConfigPath
	}
	return path
}

// configWatcher serializes diagnosis runs triggered by sshd_config edits.
type configWatcher struct {
	app       *app
	path      string
	debounce  time.Duration
	remediate bool
}

func (w *configWatcher) run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace the file, so watch its directory.
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger := w.app.tel.Logger.NewComponentLogger("watch").WithField("path", w.path)
	logger.Info("Watching sshd configuration")
	w.diagnose(ctx, "startup")

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Stopped watching")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			logger.WithField("op", event.Op.String()).Debug("sshd_config changed")
			timer.Reset(w.debounce)

		case <-timer.C:
			w.diagnose(ctx, "change")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Error("Watcher error")
		}
	}
}

func (w *configWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0
}

func (w *configWatcher) diagnose(ctx context.Context, trigger string) {
	s := w.app.settings()
	s.Remediate = w.remediate

	mode := stores.RunModeDiagnose
	if s.Remediate {
		mode = stores.RunModeRemediate
	}

	res, err := w.app.runModule(ctx, mode, s)
	logger := w.app.tel.Logger.WithRunID(res.RunID).WithField("trigger", trigger)
	if err != nil {
		w.app.tel.Metrics.RecordConfigReload("error")
		logger.WithError(err).Error("Diagnosis aborted")
		return
	}
	w.app.tel.Metrics.RecordConfigReload("ok")
	if err := w.app.tel.Metrics.WriteTextfile(w.app.cfg.Telemetry.MetricsTextfile); err != nil {
		logger.WithError(err).Warn("Metrics textfile not written")
	}
	logger.WithField("status", res.Status).Info("Diagnosis complete")
}
