// Package metrics counts host runs and pushes them to a Prometheus
// Pushgateway once a batch finishes. The CLI is short-lived, so nothing is
// scraped.
package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

const namespace = "esxipatch"

// Recorder is both a patcher.Observer and a patcher.Sink. A nil *Recorder
// records nothing.
type Recorder struct {
	log    *slog.Logger
	reg    *prometheus.Registry
	pusher *push.Pusher

	transitions *prometheus.CounterVec
	hostRuns    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	applied     prometheus.Counter
	retries     prometheus.Counter
	lastRun     prometheus.Gauge
	lastFailed  prometheus.Gauge
}

var (
	_ patcher.Observer = (*Recorder)(nil)
	_ patcher.Sink     = (*Recorder)(nil)
)

// NewRecorder returns nil when no Pushgateway is configured.
func NewRecorder(cfg *config.Config, log *slog.Logger) *Recorder {
	if cfg.Metrics.PushgatewayURL == "" {
		return nil
	}

	r := &Recorder{
		log: log,
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "State transitions entered by host runs.",
		}, []string{"state"}),
		hostRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_runs_total",
			Help:      "Finished host runs by terminal state and failure class.",
		}, []string{"state", "class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "host_run_duration_seconds",
			Help:      "Wall time of host runs.",
			Buckets:   []float64{10, 60, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"state"}),
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_applied_total",
			Help:      "Patch artifacts installed.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Extra attempts spent on transient failures.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Finish time of the last batch.",
		}),
		lastFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_failed_hosts",
			Help:      "Hosts that failed in the last batch.",
		}),
	}
	r.reg.MustRegister(r.transitions, r.hostRuns, r.duration, r.applied, r.retries, r.lastRun, r.lastFailed)
	r.pusher = push.New(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job).Gatherer(r.reg)
	return r
}

func (r *Recorder) Name() string { return "metrics" }

func (r *Recorder) StateChanged(_ context.Context, _ patch.HostTarget, _, to patcher.State) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(string(to)).Inc()
}

func (r *Recorder) HostFinished(_ context.Context, res patcher.HostRunResult) {
	if r == nil {
		return
	}
	class := ""
	if res.Failure != nil {
		class = string(res.Failure.Class)
	}
	r.hostRuns.WithLabelValues(string(res.State), class).Inc()
	r.duration.WithLabelValues(string(res.State)).Observe(res.Elapsed.Seconds())
	r.applied.Add(float64(len(res.Applied)))
	r.retries.Add(float64(res.Retries))
}

// Report pushes everything recorded so far, replacing the job's previous
// metrics on the gateway.
func (r *Recorder) Report(ctx context.Context, report *patcher.BatchReport) error {
	if r == nil {
		return nil
	}
	_, failed := report.Counts()
	r.lastFailed.Set(float64(failed))
	r.lastRun.Set(float64(report.Finished.Unix()))

	if err := r.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	r.log.Debug("Pushed metrics", slog.String("run_id", report.RunID))
	return nil
}

// Gatherer exposes the registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.reg
}
