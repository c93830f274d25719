package zabbix

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

// Reporter pushes finished batches to Zabbix trapper items. Discovery data
// goes first so that the per-host items exist when their values arrive.
// A nil *Reporter does nothing.
type Reporter struct {
	sender     *Sender
	reportHost string
	log        *slog.Logger
}

var _ patcher.Sink = (*Reporter)(nil)

// NewReporter returns nil unless zabbix reporting is enabled.
func NewReporter(cfg *config.Config, log *slog.Logger, sender *Sender) *Reporter {
	if !cfg.Zabbix.Enabled {
		return nil
	}
	return &Reporter{sender: sender, reportHost: cfg.Zabbix.ReportHost, log: log}
}

func (r *Reporter) Name() string { return "zabbix" }

// Report sends discovery data and item values. Dry runs are not reported.
func (r *Reporter) Report(ctx context.Context, report *patcher.BatchReport) error {
	if r == nil || report.DryRun {
		return nil
	}
	if err := r.sender.SendLLD(ctx, r.reportHost, KeyHostsLLD, HostsLLD(report)); err != nil {
		return fmt.Errorf("failed to send host discovery: %w", err)
	}
	items := ItemData(r.reportHost, report)
	if err := r.sender.SendBatch(ctx, items); err != nil {
		return fmt.Errorf("failed to send host items: %w", err)
	}
	r.log.Info("Sent run results to Zabbix",
		slog.String("report_host", r.reportHost),
		slog.Int("items", len(items)),
	)
	return nil
}
