package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

var (
	runDryRun      bool
	runHosts       []string
	runConcurrency int
	runReportPath  string
)

// errHostsFailed makes the process exit non-zero after the summary is
// printed.
var errHostsFailed = errors.New("one or more hosts failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Patch the configured hosts",
	Long: `Patch every configured host (or the hosts given with --hosts).

For each host this command:
1. Connects and reads the running version
2. Resolves the ordered chain of patches up to the target
3. Enters maintenance mode
4. Uploads and verifies each patch on a datastore
5. Installs the patches in order and reboots
6. Waits for the host to come back, exits maintenance mode and
   verifies the final version

With --dry-run only steps 1 and 2 run and the plan is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := GetLogger()
		cfg := GetConfig()

		if cmd.Flags().Changed("concurrency") {
			if runConcurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1")
			}
			cfg.Settings.Concurrency = runConcurrency
		}

		hosts, err := cfg.SelectTargets(runHosts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		deps, err := initCoordinator(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to initialize patcher: %w", err)
		}
		defer deps.Close()

		opts := patcher.OptionsFromConfig(cfg)
		opts.DryRun = runDryRun

		log.Info("Starting patch run",
			slog.Int("hosts", len(hosts)),
			slog.Int("concurrency", opts.Concurrency),
			slog.Bool("dry_run", opts.DryRun),
		)

		report := deps.coordinator.Run(ctx, hosts, opts)

		printSummary(cmd.OutOrStdout(), report)

		if runReportPath != "" {
			if err := writeReport(runReportPath, cmd.OutOrStdout(), report); err != nil {
				log.Error("Failed to write report", slog.String("error", err.Error()))
			}
		}

		succeeded, failed := report.Counts()
		log.Info("Patch run completed",
			slog.String("run_id", report.RunID),
			slog.Int("succeeded", succeeded),
			slog.Int("failed", failed),
		)

		if report.ExitCode() != 0 {
			return errHostsFailed
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "only resolve and print the plan for each host")
	runCmd.Flags().StringSliceVar(&runHosts, "hosts", nil, "host names or addresses to patch (comma-separated)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "hosts patched in parallel (overrides settings.concurrency)")
	runCmd.Flags().StringVar(&runReportPath, "report", "", "write the JSON report to this file (- for stdout)")

	rootCmd.AddCommand(runCmd)
}

func printSummary(w io.Writer, report *patcher.BatchReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "HOST\tADDRESS\tSTATE\tFROM\tTO\tAPPLIED\tFAILURE\tELAPSED")
	for _, r := range report.Hosts {
		to := r.FinalVersion
		if report.DryRun && len(r.Planned) > 0 {
			to = "(" + strings.Join(r.Planned, ", ") + ")"
		}
		failure := "-"
		if r.Failure != nil {
			failure = string(r.Failure.Class)
			if r.Failure.ArtifactIndex > 0 {
				failure += fmt.Sprintf(" at #%d", r.Failure.ArtifactIndex)
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.Target.DisplayName(), r.Target.Address, r.State,
			dash(r.FromVersion), dash(to),
			len(r.Applied), len(r.Planned),
			failure, r.Elapsed.Round(time.Second),
		)
	}
	_ = tw.Flush()

	for _, r := range report.Hosts {
		if r.Failure != nil {
			_, _ = fmt.Fprintf(w, "%s: %s\n", r.Target.DisplayName(), r.Failure.Error())
		}
		for _, warning := range r.Warnings {
			_, _ = fmt.Fprintf(w, "%s: warning: %s\n", r.Target.DisplayName(), warning)
		}
	}
}

func writeReport(path string, stdout io.Writer, report *patcher.BatchReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
