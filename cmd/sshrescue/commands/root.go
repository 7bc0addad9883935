package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sshrescue/pkg/sshd"
)

// Global flags
type globalFlags struct {
	configPath string
	verbose    bool
	jsonOutput bool
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{version: version}

	rootCmd := &cobra.Command{
		Use:   "sshrescue",
		Short: "Diagnose and repair the local OpenSSH server",
		Long: `sshrescue checks the local OpenSSH server for the faults that lock users
out of an instance and, when asked, repairs them.

The checks form a dependency graph: sshd must exist before its
configuration is read, a home directory must exist before its mode is
checked. A failed repair stops every check that depends on it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "tool config file path (default "+defaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newDiagnoseCommand(flags))
	rootCmd.AddCommand(newInjectKeyCommand(flags))
	rootCmd.AddCommand(newWatchCommand(flags))
	rootCmd.AddCommand(newHistoryCommand(flags))
	rootCmd.AddCommand(newGraphCommand(flags))
	rootCmd.AddCommand(newValidateCommand(flags))

	return rootCmd
}

// statusError reports a run that completed with a non-success status.
type statusError struct {
	status string
}

func (e *statusError) Error() string {
	return "run finished with status " + e.status
}

// IsStatusError reports whether err only carries a run status, which the
// command has already printed.
func IsStatusError(err error) bool {
	var se *statusError
	return errors.As(err, &se)
}

// ExitCode maps a command error to a process exit code: 0 on success,
// 2 for a FAILURE report, 3 for a WARN report and 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.status {
		case sshd.StatusFailure:
			return 2
		case sshd.StatusWarn:
			return 3
		}
	}
	return 1
}

// statusResult turns a run status into the command's return value.
func statusResult(status string) error {
	if status == sshd.StatusSuccess {
		return nil
	}
	return &statusError{status: status}
}
