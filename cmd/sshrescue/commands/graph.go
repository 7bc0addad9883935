package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sshrescue/pkg/sshd"
)

func newGraphCommand(flags *globalFlags) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the problem graph without running any check",
		Long: `Build the problem graph for this host and print it. Nothing is checked
or changed. With --dot the graph is printed in Graphviz format.`,
		Example: `  sshrescue graph
  sshrescue graph --dot | dot -Tsvg > sshrescue.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := a.ctx(cmd.Context())
			sys := sshd.NewOSSystem()
			s := a.settings()
			if err := sshd.Setup(ctx, sys, s); err != nil {
				a.tel.Logger.WithError(err).Debug("Setup incomplete, using defaults")
			}

			opts := []sshd.CatalogOption{sshd.WithLogger(a.tel.Logger.Zerolog())}
			if engine, err := a.policyEngine(ctx); err == nil {
				opts = append(opts, sshd.WithAuditor(engine))
			}
			catalog := sshd.NewCatalog(ctx, s, sys, sshd.NewBackup(sys, s.BackupDir), opts...)

			g, err := sshd.BuildGraph(catalog)
			if err != nil {
				return fmt.Errorf("failed to build problem graph: %w", err)
			}

			if dot {
				_, err = fmt.Fprint(cmd.OutOrStdout(), g.ToDOT())
			} else {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), g.String())
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print in Graphviz DOT format")

	return cmd
}
