package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	prepareTemplate bool
	prepareHost     bool
	prepareForce    bool
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Create the Zabbix objects run results are reported to",
	Long: `Create and configure the Zabbix objects the run command reports to.

This command can create:
- the patcher template with its trapper items and the host discovery rule (-t)
- the report host (zabbix.report_host) linked to that template (-H)

With no flags both are created. Existing objects are kept and only missing
items are added; --force recreates the discovery rule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := GetLogger()
		cfg := GetConfig()

		log.Info("Preparing Zabbix objects...", slog.String("url", cfg.ZabbixAPIURL()))

		client, err := initZabbixClient(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to connect to Zabbix: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		defer func() { _ = client.Close(context.WithoutCancel(ctx)) }()

		if !prepareTemplate && !prepareHost {
			prepareTemplate, prepareHost = true, true
		}
		if prepareForce {
			log.Warn("Force mode enabled, the discovery rule will be recreated")
		}

		// The report host links the template, so it is resolved either way.
		log.Info("Creating/updating template...", slog.String("template", cfg.Zabbix.Template))
		templateID, err := client.EnsureTemplate(ctx, prepareForce && prepareTemplate)
		if err != nil {
			return fmt.Errorf("failed to create template: %w", err)
		}
		log.Info("Template ready", slog.String("templateid", templateID))

		if prepareHost {
			log.Info("Creating report host...", slog.String("host", cfg.Zabbix.ReportHost))
			hostID, err := client.EnsureReportHost(ctx, templateID)
			if err != nil {
				return fmt.Errorf("failed to create report host: %w", err)
			}
			log.Info("Report host ready", slog.String("hostid", hostID))
		}

		log.Info("Zabbix preparation complete")
		return nil
	},
}

func init() {
	prepareCmd.Flags().BoolVarP(&prepareTemplate, "template", "t", false, "create/update the patcher template")
	prepareCmd.Flags().BoolVarP(&prepareHost, "host", "H", false, "create the report host")
	prepareCmd.Flags().BoolVarP(&prepareForce, "force", "f", false, "recreate the discovery rule")

	rootCmd.AddCommand(prepareCmd)
}
