package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sshrescue/pkg/stores"
)

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show previous runs",
		Long: `List previous runs, newest first, or show the final state of every
problem checked in one run.`,
		Example: `  # Recent runs
  sshrescue history

  # One run in detail
  sshrescue history 3f1c2a9e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags, false)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := a.ctx(cmd.Context())
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := store.ListResults(ctx, run.ID)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return encode(out, formatJSON, struct {
						Run     *stores.Run            `json:"run"`
						Results []stores.ProblemResult `json:"results"`
					}{run, results})
				}
				return printRun(out, run, results)
			}

			runs, err := store.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return encode(out, formatJSON, runs)
			}
			return printRuns(out, runs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tMODE\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Mode, r.Status, r.StartedAt.Local().Format(time.DateTime), duration)
	}
	return tw.Flush()
}

func printRun(w io.Writer, run *stores.Run, results []stores.ProblemResult) error {
	fmt.Fprintf(w, "Run:     %s\n", run.ID)
	fmt.Fprintf(w, "Mode:    %s\n", run.Mode)
	fmt.Fprintf(w, "Status:  %s\n", run.Status)
	fmt.Fprintf(w, "Started: %s\n", run.StartedAt.Local().Format(time.DateTime))
	if run.Error != nil {
		fmt.Fprintf(w, "Error:   %s\n", *run.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tTYPE\tITEM\tCHECK")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.State, r.ItemType, r.Item, r.InfoMsg)
	}
	return tw.Flush()
}
