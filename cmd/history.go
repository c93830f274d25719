package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidoz/esxi-patcher-go/internal/history"
	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past patch runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		runs, err := store.ListRuns(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tHOSTS\tSUCCEEDED\tFAILED\tDRY RUN")
		for _, r := range runs {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%t\n",
				r.RunID, r.Started.Format(time.DateTime), r.Finished.Sub(r.Started).Round(time.Second),
				r.Hosts, r.Succeeded, r.Failed, r.DryRun)
		}
		return tw.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run (the latest when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		report, err := loadRun(cmd.Context(), store, args)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Run %s started %s\n\n", report.RunID, report.Started.Format(time.DateTime))
		printSummary(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")

	historyCmd.AddCommand(historyListCmd, historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}

func openHistory() (*history.Store, error) {
	store, err := initHistory(GetConfig(), GetLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if store == nil {
		return nil, errors.New("history is disabled (history.enabled: false)")
	}
	return store, nil
}

func loadRun(ctx context.Context, store *history.Store, args []string) (*patcher.BatchReport, error) {
	if len(args) == 1 {
		return store.Run(ctx, args[0])
	}
	return store.Latest(ctx)
}
