package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

var checkHosts []string

type checkResult struct {
	target  patch.HostTarget
	version string
	health  hostclient.Health
	err     error
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test connectivity to the configured hosts",
	Long: `Connect to every configured host, read its version and check the
SSH and API ports. Nothing on the hosts is changed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := GetLogger()
		cfg := GetConfig()

		hosts, err := cfg.SelectTargets(checkHosts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := initClient(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to initialize host client: %w", err)
		}

		results := make([]checkResult, len(hosts))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(cfg.Settings.Concurrency, 4))
		for i, h := range hosts {
			g.Go(func() error {
				results[i] = checkHost(gctx, client, h)
				return nil
			})
		}
		_ = g.Wait()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "HOST\tADDRESS\tVERSION\tHEALTH\tERROR")
		failed := 0
		for _, r := range results {
			errText := "-"
			if r.err != nil {
				failed++
				errText = r.err.Error()
				log.Warn("Host check failed", slog.String("host", r.target.DisplayName()), slog.String("error", errText))
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.target.DisplayName(), r.target.Address, dash(r.version), r.health, errText)
		}
		_ = tw.Flush()

		if failed > 0 {
			return fmt.Errorf("%d of %d hosts failed the check", failed, len(hosts))
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringSliceVar(&checkHosts, "hosts", nil, "host names or addresses to check (comma-separated)")

	rootCmd.AddCommand(checkCmd)
}

func checkHost(ctx context.Context, client hostclient.Client, target patch.HostTarget) checkResult {
	res := checkResult{target: target, health: hostclient.Unresponsive}

	session, err := client.Connect(ctx, target)
	if err != nil {
		res.err = err
		return res
	}
	defer func() { _ = session.Close() }()

	if res.version, err = session.Version(ctx); err != nil {
		res.err = err
		return res
	}
	if res.health, err = session.PollHealth(ctx); err != nil {
		res.err = err
	}
	return res
}
