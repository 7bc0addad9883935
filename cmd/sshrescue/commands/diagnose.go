package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/sshrescue/pkg/stores"
)

func newDiagnoseCommand(flags *globalFlags) *cobra.Command {
	var (
		remediate bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check the OpenSSH server and optionally repair it",
		Long: `Check the local OpenSSH installation for faults that prevent logins:
a missing sshd binary or sshd_config, bad configuration options, missing
host keys or privilege separation user, and home directories or
authorized_keys files with unsafe ownership or modes.

With --remediate, each fault found is repaired before dependent checks
run. Files are backed up before they are changed.`,
		Example: `  # Report problems only
  sshrescue diagnose

  # Repair what can be repaired
  sshrescue diagnose --remediate

  # Machine-readable report
  sshrescue diagnose --output yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(flags, output)
			if err != nil {
				return err
			}

			a, err := newApp(cmd, flags, true)
			if err != nil {
				return err
			}
			defer a.close()

			s := a.settings()
			if cmd.Flags().Changed("remediate") {
				s.Remediate = remediate
			}
			mode := stores.RunModeDiagnose
			if s.Remediate {
				mode = stores.RunModeRemediate
			}

			res, runErr := a.runModule(cmd.Context(), mode, s)
			if err := renderResult(cmd.OutOrStdout(), format, res, runErr); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			return statusResult(res.Status)
		},
	}

	cmd.Flags().BoolVar(&remediate, "remediate", false, "repair detected problems")
	cmd.Flags().StringVarP(&output, "output", "o", formatText, "output format (text, json, yaml)")

	return cmd
}
