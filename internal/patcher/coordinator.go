package patcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
	"github.com/kidoz/esxi-patcher-go/internal/telemetry"
)

// sinkTimeout bounds each report sink, also after cancellation.
const sinkTimeout = 30 * time.Second

// Options tune one batch run.
type Options struct {
	// Concurrency is the maximum number of hosts patched at once; values
	// below 1 mean 1.
	Concurrency int
	// HostPause is waited between hosts when running sequentially.
	HostPause time.Duration
	DryRun    bool
}

// Coordinator runs the machine over a host list and collects the report.
type Coordinator struct {
	log     *slog.Logger
	machine *Machine
	sinks   []Sink
	newID   func() string
}

// NewCoordinator creates a coordinator. Nil sinks are skipped.
func NewCoordinator(log *slog.Logger, machine *Machine, sinks ...Sink) *Coordinator {
	var list []Sink
	for _, s := range sinks {
		if s != nil {
			list = append(list, s)
		}
	}
	return &Coordinator{
		log:     log,
		machine: machine,
		sinks:   list,
		newID:   uuid.NewString,
	}
}

// OptionsFromConfig returns the options configured in the settings section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency: cfg.Settings.Concurrency,
		HostPause:   cfg.Settings.HostPause,
	}
}

// Run patches every host and returns once all of them are terminal. A
// failing host never stops the others. After ctx is cancelled, hosts not
// yet started are reported as Failed(Cancelled) in state Pending.
func (c *Coordinator) Run(ctx context.Context, hosts []patch.HostTarget, opts Options) *BatchReport {
	limit := max(opts.Concurrency, 1)
	report := &BatchReport{
		RunID:   c.newID(),
		DryRun:  opts.DryRun,
		Started: time.Now(),
		Hosts:   make([]HostRunResult, len(hosts)),
	}

	ctx, span := telemetry.Tracer().Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.Int("hosts", len(hosts)),
		attribute.Int("concurrency", limit),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer span.End()

	c.log.Info("Starting batch",
		slog.String("run_id", report.RunID),
		slog.Int("hosts", len(hosts)),
		slog.Int("concurrency", limit),
		slog.Bool("dry_run", opts.DryRun),
	)

	// Each task owns report.Hosts[i]; nothing else writes the slice until
	// Wait returns.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, host := range hosts {
		g.Go(func() error {
			if i > 0 && limit == 1 && opts.HostPause > 0 && !opts.DryRun {
				c.pause(ctx, opts.HostPause)
			}
			if err := ctx.Err(); err != nil {
				report.Hosts[i] = c.notStarted(ctx, report.RunID, host, err)
				return nil
			}
			report.Hosts[i] = c.machine.Run(ctx, report.RunID, host, opts.DryRun)
			return nil
		})
	}
	_ = g.Wait()
	report.Finished = time.Now()

	succeeded, failed := report.Counts()
	span.SetAttributes(attribute.Int("hosts.succeeded", succeeded), attribute.Int("hosts.failed", failed))
	c.log.Info("Batch finished",
		slog.String("run_id", report.RunID),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
		slog.Duration("elapsed", report.Finished.Sub(report.Started)),
	)

	c.publish(ctx, report)
	return report
}

func (c *Coordinator) pause(ctx context.Context, d time.Duration) {
	c.log.Info("Pausing before next host", slog.Duration("pause", d))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Coordinator) notStarted(ctx context.Context, runID string, host patch.HostTarget, err error) HostRunResult {
	res := HostRunResult{
		RunID:   runID,
		Target:  host,
		State:   StateFailed,
		Planned: []string{},
		Applied: []string{},
		Started: time.Now(),
		Failure: &Failure{
			Class:   ClassCancelled,
			State:   StatePending,
			Message: err.Error(),
		},
	}
	c.log.Warn("Host skipped, run cancelled", slog.String("host", host.DisplayName()))
	c.machine.observer.HostFinished(ctx, res)
	return res
}

// publish hands the finished report to every sink. Sink errors are logged
// and do not change the outcome.
func (c *Coordinator) publish(ctx context.Context, report *BatchReport) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range c.sinks {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := s.Report(sctx, report); err != nil {
			c.log.Error("Failed to publish report", slog.String("sink", sinkName(s)), slog.Any("error", err))
		}
		cancel()
	}
}

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}
