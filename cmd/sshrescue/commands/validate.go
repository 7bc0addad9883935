package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sshrescue/pkg/config"
	"github.com/openfroyo/sshrescue/pkg/policy"
	"github.com/openfroyo/sshrescue/pkg/telemetry"
)

func newValidateCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [policy-path...]",
		Short: "Validate the tool configuration and policy files",
		Long: `Validate the sshrescue configuration file against its schema, then
load and compile every hardening policy it references together with any
policy files or directories given as arguments.

JSON policy documents are also checked against the policy schema.`,
		Example: `  # Validate the default configuration
  sshrescue validate

  # Validate a custom configuration and extra policies
  sshrescue validate -c ./sshrescue.cue ./policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			path := flags.configPath
			if path == "" {
				path = defaultConfigPath
			}

			parser := config.NewCUEParser()
			parsed, err := parser.Parse(ctx, path)
			if err != nil {
				return err
			}
			if len(parsed.Errors) > 0 {
				for _, e := range parsed.Errors {
					fmt.Fprintf(out, "%s: %s\n", path, e.Error())
				}
				return fmt.Errorf("configuration has %d error(s)", len(parsed.Errors))
			}
			if parsed.Source == "" {
				fmt.Fprintf(out, "%s: not found, defaults apply\n", path)
			} else {
				fmt.Fprintf(out, "%s: ok\n", path)
			}

			level := "warn"
			if flags.verbose {
				level = "debug"
			}
			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: level, Format: "console", Output: "stderr"})
			if err != nil {
				return err
			}

			paths := append(append([]string(nil), parsed.Config.Policies.Paths...), args...)
			n, err := validatePolicies(cmd, parser, logger, paths, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d policies compiled\n", n)
			return nil
		},
	}

	return cmd
}

// validatePolicies checks and compiles the policies under paths together
// with the built-ins. It returns the number of compiled policies.
func validatePolicies(cmd *cobra.Command, parser *config.CUEParser, logger *telemetry.Logger, paths []string, out io.Writer) (int, error) {
	ctx := cmd.Context()

	var failed []string
	for _, p := range paths {
		err := filepath.WalkDir(p, func(file string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(file), ".json") {
				return nil
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if err := parser.ValidatePolicyDocument(ctx, data); err != nil {
				fmt.Fprintf(out, "%s: %v\n", file, err)
				failed = append(failed, file)
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to read policies: %w", err)
		}
	}
	if len(failed) > 0 {
		return 0, fmt.Errorf("%d policy document(s) failed schema validation", len(failed))
	}

	policies, err := policy.NewLoader(logger.Zerolog()).LoadFromPaths(ctx, paths)
	if err != nil {
		return 0, err
	}

	engine, err := policy.NewEngine(logger.Zerolog())
	if err != nil {
		return 0, err
	}
	if err := engine.AddPolicies(ctx, policies); err != nil {
		return 0, err
	}
	for _, p := range policies {
		fmt.Fprintf(out, "%s: policy %s ok\n", p.Source, p.Name)
	}
	return len(engine.ListPolicies()), nil
}
