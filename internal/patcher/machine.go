package patcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
	"github.com/kidoz/esxi-patcher-go/internal/telemetry"
)

// Planner computes the update plan for a host. *catalog.Resolver
// implements it.
type Planner interface {
	Resolve(ctx context.Context, target patch.HostTarget, current patch.Version) (patch.Plan, error)
}

// Machine drives single hosts through the patch lifecycle:
//
//	Connecting → Checking → MaintenanceEntering → Staging → Installing →
//	Rebooting → WaitingForHealthy → MaintenanceExiting → Verified
//
// with Failed reachable from every non-terminal state. A Machine holds no
// per-host state and may run many hosts concurrently.
type Machine struct {
	cfg      *config.Config
	log      *slog.Logger
	client   hostclient.Client
	planner  Planner
	policy   RetryPolicy
	observer Observer
}

// NewMachine creates a machine. Nil observers are skipped.
func NewMachine(cfg *config.Config, log *slog.Logger, client hostclient.Client, planner Planner, obs ...Observer) *Machine {
	var list observers
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return &Machine{
		cfg:      cfg,
		log:      log,
		client:   client,
		planner:  planner,
		policy:   PolicyFromConfig(cfg.Retry),
		observer: list,
	}
}

// Run takes one host to a terminal state and returns its result. With
// dryRun it stops after the plan is computed.
func (m *Machine) Run(ctx context.Context, runID string, target patch.HostTarget, dryRun bool) HostRunResult {
	r := &hostRun{
		m:      m,
		target: target,
		log:    m.log.With(slog.String("host", target.DisplayName()), slog.String("address", target.Address)),
		state:  StatePending,
		res: HostRunResult{
			RunID:   runID,
			Target:  target,
			State:   StatePending,
			Planned: []string{},
			Applied: []string{},
			Started: time.Now(),
		},
	}

	ctx, span := telemetry.Tracer().Start(ctx, "host.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("host.name", target.DisplayName()),
		attribute.String("host.address", target.Address),
		attribute.Bool("dry_run", dryRun),
	))

	r.log.Info("Starting host run")
	f := r.execute(ctx, dryRun)
	if f != nil && r.inMaintenance && !r.installStarted {
		r.leaveMaintenance(ctx)
	}
	if r.sess != nil {
		if err := r.sess.Close(); err != nil {
			r.log.Debug("Failed to close session", slog.Any("error", err))
		}
	}
	res := r.finish(ctx, f)

	span.SetAttributes(
		attribute.String("host.state", string(res.State)),
		attribute.Int("artifacts.applied", len(res.Applied)),
		attribute.Int("retries", res.Retries),
	)
	var spanErr error
	if f != nil {
		spanErr = f
	}
	telemetry.End(span, spanErr)

	m.observer.HostFinished(ctx, res)
	return res
}

// hostRun is the mutable state of one host run. Only the goroutine running
// the host touches it.
type hostRun struct {
	m      *Machine
	target patch.HostTarget
	log    *slog.Logger

	state          State
	sess           hostclient.Session
	plan           patch.Plan
	inMaintenance  bool
	installStarted bool

	res HostRunResult
}

type stepFunc func(ctx context.Context) *Failure

func (r *hostRun) execute(ctx context.Context, dryRun bool) *Failure {
	if f := r.step(ctx, StateConnecting, r.connect); f != nil {
		return f
	}
	if f := r.step(ctx, StateChecking, r.check); f != nil {
		return f
	}

	if r.plan.Empty() {
		r.log.Info("Host is up to date", slog.String("version", r.res.FromVersion))
		r.res.FinalVersion = r.res.FromVersion
		r.transition(ctx, StateVerified)
		return nil
	}
	if dryRun {
		r.transition(ctx, StatePlanned)
		return nil
	}

	steps := []struct {
		state State
		fn    stepFunc
	}{
		{StateMaintenanceEntering, r.enterMaintenance},
		{StateStaging, r.stage},
		{StateInstalling, r.install},
		{StateRebooting, r.reboot},
		{StateWaitingForHealthy, r.waitHealthy},
		{StateMaintenanceExiting, r.exitMaintenance},
	}
	for _, s := range steps {
		if f := r.step(ctx, s.state, s.fn); f != nil {
			return f
		}
	}

	// Verification runs before the transition, so a mismatch is reported
	// against MaintenanceExiting.
	if f := r.verify(ctx); f != nil {
		return f
	}
	r.transition(ctx, StateVerified)
	return nil
}

// step checks for cancellation at the state boundary, enters state and
// runs fn under a span.
func (r *hostRun) step(ctx context.Context, state State, fn stepFunc) *Failure {
	if err := ctx.Err(); err != nil {
		return r.failure(ClassCancelled, err, 0)
	}
	r.transition(ctx, state)

	ctx, span := telemetry.Tracer().Start(ctx, "state."+string(state))
	f := fn(ctx)
	var err error
	if f != nil {
		err = f
	}
	telemetry.End(span, err)
	return f
}

func (r *hostRun) transition(ctx context.Context, to State) {
	from := r.state
	r.state = to
	r.log.Debug("State changed", slog.String("from", string(from)), slog.String("to", string(to)))
	r.m.observer.StateChanged(ctx, r.target, from, to)
}

func (r *hostRun) finish(ctx context.Context, f *Failure) HostRunResult {
	if f != nil {
		r.res.Failure = f
		r.transition(ctx, StateFailed)
		r.log.Error("Host run failed",
			slog.String("class", string(f.Class)),
			slog.String("state", string(f.State)),
			slog.Int("artifact_index", f.ArtifactIndex),
			slog.Int("attempts", f.Attempts),
			slog.Any("applied", r.res.Applied),
			slog.String("error", f.Message),
		)
	} else {
		r.log.Info("Host run finished",
			slog.String("state", string(r.state)),
			slog.String("version", r.res.FinalVersion),
			slog.Int("applied", len(r.res.Applied)),
		)
	}
	r.res.State = r.state
	r.res.Elapsed = time.Since(r.res.Started)
	return r.res
}

// failure records class in the current state.
func (r *hostRun) failure(class FailureClass, err error, attempts int) *Failure {
	return &Failure{
		Class:    class,
		State:    r.state,
		Message:  err.Error(),
		Attempts: attempts,
	}
}

// classify returns ClassCancelled when the run was cancelled, so an error
// caused by the abort is not mistaken for a host problem.
func classify(ctx context.Context, class FailureClass) FailureClass {
	if ctx.Err() != nil {
		return ClassCancelled
	}
	return class
}

func (r *hostRun) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.log.Warn(msg)
	r.res.Warnings = append(r.res.Warnings, msg)
}

// retry runs fn under the shared policy and counts the extra attempts.
func (r *hostRun) retry(ctx context.Context, op string, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	attempts, err := retry(ctx, r.m.policy, r.log, op, retryable, fn)
	r.res.Retries += attempts - 1
	return attempts, err
}

func always(error) bool { return true }

// withTimeout wraps fn so every attempt gets its own deadline.
func withTimeout(d time.Duration, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return fn(ctx)
	}
}

// connect opens the session. A host that refuses up front, such as a
// cluster member, is not retried.
func (r *hostRun) connect(ctx context.Context) *Failure {
	attempts, err := r.retry(ctx, "connect", notRefused, withTimeout(r.m.cfg.Timeouts.Connect, func(ctx context.Context) error {
		sess, err := r.m.client.Connect(ctx, r.target)
		if err != nil {
			return err
		}
		r.sess = sess
		return nil
	}))
	if err != nil {
		class := ClassUnreachable
		if errors.Is(err, hostclient.ErrMaintenanceRefused) {
			class = ClassMaintenanceRefused
		}
		return r.failure(classify(ctx, class), err, attempts)
	}
	return nil
}

func notRefused(err error) bool { return !errors.Is(err, hostclient.ErrMaintenanceRefused) }

// version reads the live version string from the host.
func (r *hostRun) version(ctx context.Context) (string, *Failure) {
	var raw string
	attempts, err := r.retry(ctx, "version", always, withTimeout(r.m.cfg.Timeouts.Command, func(ctx context.Context) error {
		v, err := r.sess.Version(ctx)
		raw = v
		return err
	}))
	if err != nil {
		return "", r.failure(classify(ctx, ClassUnreachable), err, attempts)
	}
	return raw, nil
}

func (r *hostRun) check(ctx context.Context) *Failure {
	raw, f := r.version(ctx)
	if f != nil {
		return f
	}
	current, err := patch.ParseVersion(raw)
	if err != nil {
		return r.failure(ClassNoApplicablePatch, err, 1)
	}
	r.res.FromVersion = current.String()

	plan, err := r.m.planner.Resolve(ctx, r.target, current)
	if err != nil {
		return r.failure(classify(ctx, ClassNoApplicablePatch), err, 1)
	}
	if !plan.Monotonic() {
		return r.failure(ClassNoApplicablePatch, fmt.Errorf("plan %v is not version-monotonic from %s", plan.IDs(), current), 1)
	}
	r.plan = plan
	r.res.Planned = plan.IDs()

	r.log.Info("Resolved update plan",
		slog.String("from", current.String()),
		slog.String("to", plan.Target().String()),
		slog.Any("artifacts", r.res.Planned),
	)
	return nil
}

func (r *hostRun) enterMaintenance(ctx context.Context) *Failure {
	attempts, err := r.retry(ctx, "enter maintenance mode", notRefused,
		withTimeout(r.m.cfg.Timeouts.Command, r.sess.EnterMaintenanceMode))
	if err != nil {
		class := ClassUnreachable
		if errors.Is(err, hostclient.ErrMaintenanceRefused) {
			class = ClassMaintenanceRefused
		}
		return r.failure(classify(ctx, class), err, attempts)
	}
	r.inMaintenance = true
	return nil
}

func (r *hostRun) stage(ctx context.Context) *Failure {
	for i, a := range r.plan.Artifacts {
		if err := ctx.Err(); err != nil {
			return r.atArtifact(r.failure(ClassCancelled, err, 0), i, a)
		}
		attempts, err := r.retry(ctx, "stage "+a.ID, always, withTimeout(r.m.cfg.Timeouts.Stage, func(ctx context.Context) error {
			return r.sess.StageArtifact(ctx, a)
		}))
		if err != nil {
			return r.atArtifact(r.failure(classify(ctx, ClassStagingFailed), err, attempts), i, a)
		}
	}
	return nil
}

// install applies the staged artifacts in order. An install that has
// started always runs to completion, bounded by timeouts.install.
func (r *hostRun) install(ctx context.Context) *Failure {
	for i, a := range r.plan.Artifacts {
		if err := ctx.Err(); err != nil {
			return r.atArtifact(r.failure(ClassCancelled, err, 0), i, a)
		}
		r.installStarted = true

		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.m.cfg.Timeouts.Install)
		err := r.sess.InstallStaged(ictx, a)
		cancel()
		if err != nil {
			return r.atArtifact(r.failure(ClassInstallError, err, 1), i, a)
		}
		r.res.Applied = append(r.res.Applied, a.ID)
		r.log.Info("Artifact installed",
			slog.String("artifact", a.ID),
			slog.Int("index", i+1),
			slog.Int("total", len(r.plan.Artifacts)),
		)
	}
	return nil
}

func (r *hostRun) atArtifact(f *Failure, i int, a patch.Artifact) *Failure {
	f.ArtifactIndex = i + 1
	f.ArtifactID = a.ID
	return f
}

func (r *hostRun) reboot(ctx context.Context) *Failure {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.m.cfg.Timeouts.Command)
	defer cancel()
	if err := r.sess.Reboot(rctx); err != nil {
		r.warn("reboot request returned an error: %v", err)
	}
	return nil
}

func (r *hostRun) waitHealthy(ctx context.Context) *Failure {
	t := r.m.cfg.Timeouts

	if t.RebootDown > 0 {
		down, err := r.pollUntil(ctx, t.RebootDown, func(h hostclient.Health) bool { return h != hostclient.PoweredOn })
		if err != nil {
			return r.failure(ClassCancelled, err, 0)
		}
		if !down {
			r.warn("host still answered %s after reboot", t.RebootDown)
		}
	}

	up, err := r.pollUntil(ctx, t.Boot, func(h hostclient.Health) bool { return h == hostclient.PoweredOn })
	if err != nil {
		return r.failure(ClassCancelled, err, 0)
	}
	if !up {
		return r.failure(ClassBootTimeout, fmt.Errorf("host not powered on and responsive within %s", t.Boot), 1)
	}
	r.log.Info("Host is back up")
	return nil
}

// pollUntil polls health every poll interval until cond holds or timeout
// elapses. Poll errors count as Unresponsive.
func (r *hostRun) pollUntil(ctx context.Context, timeout time.Duration, cond func(hostclient.Health) bool) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.m.cfg.Timeouts.PollInterval)
	defer ticker.Stop()

	for {
		pctx, cancel := context.WithTimeout(ctx, r.m.cfg.Timeouts.Connect)
		h, err := r.sess.PollHealth(pctx)
		cancel()
		if err != nil {
			h = hostclient.Unresponsive
		}
		r.log.Debug("Polled health", slog.String("health", h.String()))
		if cond(h) {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *hostRun) exitMaintenance(ctx context.Context) *Failure {
	attempts, err := r.retry(ctx, "exit maintenance mode", always,
		withTimeout(r.m.cfg.Timeouts.Command, r.sess.ExitMaintenanceMode))
	if err != nil {
		r.warn("failed to exit maintenance mode after %d attempts: %v", attempts, err)
		return nil
	}
	r.inMaintenance = false
	return nil
}

// leaveMaintenance undoes MaintenanceEntering after a failure that left
// the host untouched.
func (r *hostRun) leaveMaintenance(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.m.cfg.Timeouts.Command)
	defer cancel()
	if err := r.sess.ExitMaintenanceMode(ctx); err != nil {
		r.warn("failed to exit maintenance mode after failed run: %v", err)
		return
	}
	r.inMaintenance = false
	r.log.Info("Left maintenance mode after failed run")
}

func (r *hostRun) verify(ctx context.Context) *Failure {
	raw, f := r.version(ctx)
	if f != nil {
		return f
	}
	want := r.plan.Target()
	got, err := patch.ParseVersion(raw)
	if err != nil {
		return r.failure(ClassVersionMismatch, err, 1)
	}
	r.res.FinalVersion = got.String()
	if !got.Equal(want) {
		return r.failure(ClassVersionMismatch, fmt.Errorf("host reports %s, plan targets %s", got, want), 1)
	}
	return nil
}
