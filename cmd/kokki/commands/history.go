package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/stores"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

func newHistoryCommand(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journaled runs",
		Long: `List the most recent convergence runs recorded in the run journal, or
the action records of one run.`,
		Example: `  # Last 20 runs
  kokki history

  # Every action of one run
  kokki history 3f0c9a1e-6d2b-4a57-9d55-2f8e1c7b0a41`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.journal == "" {
				return engine.NewUserError(engine.ErrCodeSourcePath, "no run journal configured (--journal)", nil)
			}
			j, err := stores.Open(cmd.Context(), stores.Config{Path: opts.journal}, telemetry.NopLogger())
			if err != nil {
				return err
			}
			defer j.Close()

			if len(args) == 0 {
				runs, err := j.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs)
			}

			sum, err := j.Summarize(cmd.Context(), args[0])
			if errors.Is(err, stores.ErrRunNotFound) {
				return engine.NewUserError(engine.ErrCodeResourceNotFound, fmt.Sprintf("run %s not found", args[0]), err)
			}
			if err != nil {
				return err
			}
			actions, err := j.ListActions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), sum, actions)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tDURATION\tROLES")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Format(time.DateTime), r.Status, formatDuration(r.Duration()), strings.Join(r.Roles, ","))
	}
	return tw.Flush()
}

func printRun(w io.Writer, sum *stores.RunSummary, actions []*stores.Action) error {
	r := sum.Run
	fmt.Fprintf(w, "Run %s on %s (%s)\n", r.ID, r.Hostname, r.Status)
	fmt.Fprintf(w, "Started %s, took %s\n", r.StartedAt.Format(time.DateTime), formatDuration(r.Duration()))
	if r.Error != nil {
		fmt.Fprintf(w, "Error: %s\n", *r.Error)
	}
	fmt.Fprintf(w, "%d updated, %d unchanged, %d skipped, %d failed\n\n",
		sum.Updated, sum.Unchanged, sum.Skipped, sum.Failed)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tRESOURCE\tACTION\tPROVIDER\tOUTCOME\tTRIGGER\tDURATION")
	for _, a := range actions {
		outcome := a.Outcome
		if a.Detail != "" {
			outcome += " (" + a.Detail + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Seq, a.Resource, a.Action, a.Provider, outcome, a.Trigger, formatDuration(a.Duration))
		if a.Error != nil {
			fmt.Fprintf(tw, "\t  error: %s\t\t\t\t\t\n", *a.Error)
		}
	}
	return tw.Flush()
}

func formatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Millisecond:
		return d.String()
	default:
		return d.Round(time.Millisecond).String()
	}
}
