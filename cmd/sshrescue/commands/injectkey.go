package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sshrescue/pkg/stores"
)

func newInjectKeyCommand(flags *globalFlags) *cobra.Command {
	var (
		newKey        string
		createNewKeys bool
		only          bool
		output        string
	)

	cmd := &cobra.Command{
		Use:   "inject-key",
		Short: "Add a public key to every user's authorized_keys",
		Long: `Add a public key to the authorized_keys file of every user with a home
directory, then run a remediating diagnosis.

The key comes from --new-key, from a freshly generated key pair
(--create-new-keys, private half written under the log directory), or
from the instance metadata service.`,
		Example: `  # Inject the instance's launch key, then repair
  sshrescue inject-key

  # Inject a specific key and stop
  sshrescue inject-key --only --new-key "ssh-ed25519 AAAA... admin"

  # Generate a new key pair for recovery
  sshrescue inject-key --create-new-keys`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if newKey != "" && createNewKeys {
				return fmt.Errorf("--new-key and --create-new-keys are mutually exclusive")
			}
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
			s.Remediate = true
			s.InjectKey = true
			s.InjectKeyOnly = only
			s.NewKey = newKey
			s.CreateNewKeys = createNewKeys

			res, runErr := a.runModule(cmd.Context(), stores.RunModeInjectKey, s)
			if err := renderResult(cmd.OutOrStdout(), format, res, runErr); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			return statusResult(res.Status)
		},
	}

	cmd.Flags().StringVar(&newKey, "new-key", "", "public key to inject, in authorized_keys format")
	cmd.Flags().BoolVar(&createNewKeys, "create-new-keys", false, "generate a new key pair and inject its public key")
	cmd.Flags().BoolVar(&only, "only", false, "inject the key without running the diagnosis")
	cmd.Flags().StringVarP(&output, "output", "o", formatText, "output format (text, json, yaml)")

	return cmd
}
