package patcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/kidoz/esxi-patcher-go/internal/catalog"
	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

func newTestMachine(client hostclient.Client, planner Planner, obs ...Observer) *Machine {
	return NewMachine(testConfig(), discard(), client, planner, obs...)
}

func runOne(t *testing.T, h *fakeHost, planner Planner, obs ...Observer) HostRunResult {
	t.Helper()
	client := newFakeClient()
	target := client.add("10.0.0.1", h)
	return newTestMachine(client, planner, obs...).Run(context.Background(), "run-1", target, false)
}

func TestMachine_FullPatch(t *testing.T) {
	h := newFakeHost(base)
	rec := newRecorder()
	res := runOne(t, h, chainPlanner{artifacts: chain}, rec)

	if res.State != StateVerified || res.Failure != nil {
		t.Fatalf("state = %s, failure = %v", res.State, res.Failure)
	}
	if !slices.Equal(res.Applied, []string{"patch-1", "patch-2", "patch-3"}) {
		t.Errorf("applied = %v", res.Applied)
	}
	if !slices.Equal(res.Planned, res.Applied) {
		t.Errorf("planned = %v, applied = %v", res.Planned, res.Applied)
	}
	if res.FromVersion != "7.0.3-20036589" || res.FinalVersion != "7.0.3-22348816" {
		t.Errorf("versions = %s -> %s", res.FromVersion, res.FinalVersion)
	}
	if res.Retries != 0 || len(res.Warnings) != 0 {
		t.Errorf("retries = %d, warnings = %v", res.Retries, res.Warnings)
	}
	if h.enterCalls != 1 || h.exitCalls != 1 || h.closes != 1 {
		t.Errorf("enter=%d exit=%d closes=%d, want 1 each", h.enterCalls, h.exitCalls, h.closes)
	}
	if res.RunID != "run-1" || res.Elapsed <= 0 {
		t.Errorf("run id = %q, elapsed = %v", res.RunID, res.Elapsed)
	}

	want := []State{
		StateConnecting, StateChecking, StateMaintenanceEntering, StateStaging, StateInstalling,
		StateRebooting, StateWaitingForHealthy, StateMaintenanceExiting, StateVerified,
	}
	if got := rec.transitions["10.0.0.1"]; !slices.Equal(got, want) {
		t.Errorf("transitions = %v\nwant %v", got, want)
	}
	if len(rec.finished) != 1 || rec.finished[0].State != StateVerified {
		t.Errorf("HostFinished calls = %+v", rec.finished)
	}
}

func TestMachine_AlreadyCurrent(t *testing.T) {
	h := newFakeHost(top)
	rec := newRecorder()
	res := runOne(t, h, chainPlanner{artifacts: chain}, rec)

	if res.State != StateVerified || res.Failure != nil {
		t.Fatalf("state = %s, failure = %v", res.State, res.Failure)
	}
	if len(res.Applied) != 0 || len(res.Planned) != 0 {
		t.Errorf("planned = %v, applied = %v", res.Planned, res.Applied)
	}
	if h.totalStageCalls() != 0 || h.totalInstallCalls() != 0 {
		t.Error("stage/install must not be invoked for an empty plan")
	}
	if h.enterCalls != 0 || h.rebooted {
		t.Error("host must not enter maintenance or reboot for an empty plan")
	}
	want := []State{StateConnecting, StateChecking, StateVerified}
	if got := rec.transitions["10.0.0.1"]; !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestMachine_DryRun(t *testing.T) {
	h := newFakeHost(base)
	client := newFakeClient()
	target := client.add("10.0.0.1", h)
	res := newTestMachine(client, chainPlanner{artifacts: chain}).Run(context.Background(), "run-1", target, true)

	if res.State != StatePlanned || !res.Succeeded() {
		t.Fatalf("state = %s, failure = %v", res.State, res.Failure)
	}
	if len(res.Planned) != 3 || len(res.Applied) != 0 {
		t.Errorf("planned = %v, applied = %v", res.Planned, res.Applied)
	}
	if h.enterCalls != 0 || h.totalStageCalls() != 0 {
		t.Error("dry run must not change the host")
	}
}

func TestMachine_Unreachable(t *testing.T) {
	for _, attempts := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("budget %d", attempts), func(t *testing.T) {
			h := newFakeHost(base)
			h.connectFailures = -1
			client := newFakeClient()
			target := client.add("10.0.0.1", h)
			cfg := testConfig()
			cfg.Retry.MaxAttempts = attempts

			res := NewMachine(cfg, discard(), client, chainPlanner{artifacts: chain}).Run(context.Background(), "r", target, false)
			if res.Failure == nil || res.Failure.Class != ClassUnreachable {
				t.Fatalf("failure = %v, want Unreachable", res.Failure)
			}
			if res.Failure.Attempts != attempts || h.connects != attempts {
				t.Errorf("attempts = %d, connects = %d, want %d", res.Failure.Attempts, h.connects, attempts)
			}
			if res.Retries != attempts-1 {
				t.Errorf("retries = %d, want %d", res.Retries, attempts-1)
			}
			if res.Failure.State != StateConnecting || res.State != StateFailed {
				t.Errorf("failure state = %s, result state = %s", res.Failure.State, res.State)
			}
		})
	}
}

func TestMachine_ConnectRecovers(t *testing.T) {
	h := newFakeHost(base)
	h.connectFailures = 2
	res := runOne(t, h, chainPlanner{artifacts: chain})

	if res.State != StateVerified {
		t.Fatalf("state = %s, failure = %v", res.State, res.Failure)
	}
	if res.Retries != 2 || h.connects != 3 {
		t.Errorf("retries = %d, connects = %d", res.Retries, h.connects)
	}
}

func TestMachine_NoApplicablePatch(t *testing.T) {
	t.Run("resolver error", func(t *testing.T) {
		h := newFakeHost(base)
		planner := chainPlanner{err: &catalog.Error{Source: "catalog.yaml", Reason: "source unreachable"}}
		res := runOne(t, h, planner)
		if res.Failure == nil || res.Failure.Class != ClassNoApplicablePatch {
			t.Fatalf("failure = %v, want NoApplicablePatch", res.Failure)
		}
		if res.Failure.Attempts != 1 || res.Retries != 0 {
			t.Errorf("attempts = %d, retries = %d", res.Failure.Attempts, res.Retries)
		}
		if res.Failure.State != StateChecking {
			t.Errorf("failure state = %s", res.Failure.State)
		}
		if h.enterCalls != 0 {
			t.Error("maintenance must not be entered")
		}
	})

	t.Run("unparseable version", func(t *testing.T) {
		h := newFakeHost("hostd is not running")
		res := runOne(t, h, chainPlanner{artifacts: chain})
		if res.Failure == nil || res.Failure.Class != ClassNoApplicablePatch {
			t.Fatalf("failure = %v, want NoApplicablePatch", res.Failure)
		}
	})
}

func TestMachine_MaintenanceRefused(t *testing.T) {
	h := newFakeHost(base)
	h.enterErr = fmt.Errorf("%w: 2 powered-on virtual machines", hostclient.ErrMaintenanceRefused)
	res := runOne(t, h, chainPlanner{artifacts: chain})

	if res.Failure == nil || res.Failure.Class != ClassMaintenanceRefused {
		t.Fatalf("failure = %v, want MaintenanceRefused", res.Failure)
	}
	if res.Failure.Attempts != 1 || h.enterCalls != 1 || res.Retries != 0 {
		t.Errorf("attempts = %d, enter calls = %d, retries = %d; refusal must not be retried",
			res.Failure.Attempts, h.enterCalls, res.Retries)
	}
	if h.exitCalls != 0 || h.totalStageCalls() != 0 {
		t.Error("nothing may happen after a refusal")
	}
	if h.closes != 1 {
		t.Errorf("session closes = %d, want 1", h.closes)
	}
}

func TestMachine_MaintenanceTransientError(t *testing.T) {
	h := newFakeHost(base)
	h.enterErr = fmt.Errorf("%w: connection reset", hostclient.ErrUnreachable)
	res := runOne(t, h, chainPlanner{artifacts: chain})

	if res.Failure == nil || res.Failure.Class != ClassUnreachable {
		t.Fatalf("failure = %v, want Unreachable", res.Failure)
	}
	if res.Failure.Attempts != 3 || h.enterCalls != 3 {
		t.Errorf("attempts = %d, enter calls = %d, want 3", res.Failure.Attempts, h.enterCalls)
	}
}

func TestMachine_StagingRetriesScopedToArtifact(t *testing.T) {
	h := newFakeHost(base)
	h.stageFailures["patch-2"] = 2
	res := runOne(t, h, chainPlanner{artifacts: chain})

	if res.State != StateVerified {
		t.Fatalf("state = %s, failure = %v", res.State, res.Failure)
	}
	if res.Retries != 2 {
		t.Errorf("retries = %d, want 2", res.Retries)
	}
	if h.stageCalls["patch-1"] != 1 || h.stageCalls["patch-2"] != 3 || h.stageCalls["patch-3"] != 1 {
		t.Errorf("stage calls = %v", h.stageCalls)
	}
	if h.enterCalls != 1 || h.connects != 1 {
		t.Errorf("a staging retry must not repeat earlier states: enter=%d connects=%d", h.enterCalls, h.connects)
	}
}

func TestMachine_StagingFailed(t *testing.T) {
	h := newFakeHost(base)
	h.stageFailures["patch-2"] = -1
	res := runOne(t, h, chainPlanner{artifacts: chain})

	f := res.Failure
	if f == nil || f.Class != ClassStagingFailed {
		t.Fatalf("failure = %v, want StagingFailed", f)
	}
	if f.Attempts != 3 || f.ArtifactIndex != 2 || f.ArtifactID != "patch-2" || f.State != StateStaging {
		t.Errorf("failure = %+v", f)
	}
	if h.stageCalls["patch-3"] != 0 || h.totalInstallCalls() != 0 {
		t.Error("nothing may be staged or installed after a staging failure")
	}
	if len(res.Applied) != 0 {
		t.Errorf("applied = %v", res.Applied)
	}
	if h.exitCalls != 1 {
		t.Errorf("exit calls = %d; an untouched host should leave maintenance mode", h.exitCalls)
	}
}

func TestMachine_InstallErrorRecordsPartialProgress(t *testing.T) {
	five := artifactChain("7.0.3-21000001", "7.0.3-21000002", "7.0.3-21000003", "7.0.3-21000004", "7.0.3-21000005")
	for k := 1; k <= len(five); k++ {
		t.Run(fmt.Sprintf("fail at %d of %d", k, len(five)), func(t *testing.T) {
			h := newFakeHost(base)
			failing := five[k-1].ID
			h.installErr[failing] = fmt.Errorf("%w: [DependencyError]", hostclient.ErrInstall)
			res := runOne(t, h, chainPlanner{artifacts: five})

			f := res.Failure
			if f == nil || f.Class != ClassInstallError {
				t.Fatalf("failure = %v, want InstallError", f)
			}
			if f.ArtifactIndex != k || f.ArtifactID != failing || f.Attempts != 1 {
				t.Errorf("failure = %+v", f)
			}
			want := make([]string, 0, k-1)
			for _, a := range five[:k-1] {
				want = append(want, a.ID)
			}
			if !slices.Equal(res.Applied, want) {
				t.Errorf("applied = %v, want %v", res.Applied, want)
			}
			if h.totalInstallCalls() != k {
				t.Errorf("install calls = %d, want %d", h.totalInstallCalls(), k)
			}
			if h.rebooted || h.exitCalls != 0 {
				t.Error("host must be left as-is after an install error")
			}
		})
	}
}

func TestMachine_BootTimeout(t *testing.T) {
	h := newFakeHost(base)
	h.bootOK = false
	res := runOne(t, h, chainPlanner{artifacts: chain})

	if res.Failure == nil || res.Failure.Class != ClassBootTimeout {
		t.Fatalf("failure = %v, want BootTimeout", res.Failure)
	}
	if res.Failure.State != StateWaitingForHealthy {
		t.Errorf("failure state = %s", res.Failure.State)
	}
	if len(res.Applied) != 3 {
		t.Errorf("applied = %v; installs before the reboot still count", res.Applied)
	}
	if h.exitCalls != 0 {
		t.Error("host must be left as-is after a boot timeout")
	}
}

func TestMachine_HostNeverWentDown(t *testing.T) {
	h := newFakeHost(base)
	h.polls = 1 // skip the Unresponsive poll that follows the reboot
	res := runOne(t, h, chainPlanner{artifacts: chain})

	if res.State != StateVerified {
		t.Fatalf("state = %s, failure = %v", res.State, res.Failure)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "still answered") {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestMachine_ExitMaintenanceIsBestEffort(t *testing.T) {
	h := newFakeHost(base)
	h.exitErr = errors.New("hostd busy")
	res := runOne(t, h, chainPlanner{artifacts: chain})

	if res.State != StateVerified || !res.Succeeded() {
		t.Fatalf("state = %s, failure = %v", res.State, res.Failure)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "exit maintenance mode") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if h.exitCalls != 3 {
		t.Errorf("exit calls = %d, want 3", h.exitCalls)
	}
}

func TestMachine_VersionMismatch(t *testing.T) {
	h := newFakeHost(base)
	h.noVersionChange = true
	res := runOne(t, h, chainPlanner{artifacts: chain})

	if res.Failure == nil || res.Failure.Class != ClassVersionMismatch {
		t.Fatalf("failure = %v, want VersionMismatch", res.Failure)
	}
	if res.FinalVersion != "7.0.3-20036589" {
		t.Errorf("final version = %s", res.FinalVersion)
	}
}

func TestMachine_CancelDuringInstall(t *testing.T) {
	h := newFakeHost(base)
	client := newFakeClient()
	target := client.add("10.0.0.1", h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onInstall = func(id string) {
		if id == "patch-2" {
			cancel()
		}
	}

	res := newTestMachine(client, chainPlanner{artifacts: chain}).Run(ctx, "r", target, false)

	f := res.Failure
	if f == nil || f.Class != ClassCancelled {
		t.Fatalf("failure = %v, want Cancelled", f)
	}
	if !slices.Equal(res.Applied, []string{"patch-1", "patch-2"}) {
		t.Errorf("applied = %v; the in-flight artifact must complete", res.Applied)
	}
	if f.State != StateInstalling || f.ArtifactIndex != 3 || f.ArtifactID != "patch-3" {
		t.Errorf("failure = %+v", f)
	}
	if h.installCalls["patch-3"] != 0 {
		t.Error("no install may start after cancellation")
	}
	if h.closes != 1 {
		t.Errorf("session closes = %d, want 1", h.closes)
	}
}

func TestMachine_CancelDuringStaging(t *testing.T) {
	h := newFakeHost(base)
	client := newFakeClient()
	target := client.add("10.0.0.1", h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onStage = func(id string) {
		if id == "patch-2" {
			cancel()
		}
	}

	res := newTestMachine(client, chainPlanner{artifacts: chain}).Run(ctx, "r", target, false)

	f := res.Failure
	if f == nil || f.Class != ClassCancelled {
		t.Fatalf("failure = %v, want Cancelled", f)
	}
	if f.State != StateStaging || f.ArtifactIndex != 2 || f.ArtifactID != "patch-2" {
		t.Errorf("failure = %+v", f)
	}
	if h.totalInstallCalls() != 0 || len(res.Applied) != 0 {
		t.Errorf("installs = %d, applied = %v; nothing may be installed", h.totalInstallCalls(), res.Applied)
	}
	if h.stageCalls["patch-2"] != 1 || h.stageCalls["patch-3"] != 0 {
		t.Errorf("stage calls = %v; a cancelled upload is not retried", h.stageCalls)
	}
	if h.exitCalls != 1 {
		t.Errorf("exit calls = %d; maintenance mode must be left before any install", h.exitCalls)
	}
	if h.closes != 1 {
		t.Errorf("session closes = %d, want 1", h.closes)
	}
}

func TestMachine_CancelWhileWaitingForHealthy(t *testing.T) {
	h := newFakeHost(base)
	h.bootOK = false
	client := newFakeClient()
	target := client.add("10.0.0.1", h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onPoll = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	cfg := testConfig()
	cfg.Timeouts.Boot = 10 * time.Second
	res := NewMachine(cfg, discard(), client, chainPlanner{artifacts: chain}).Run(ctx, "r", target, false)

	f := res.Failure
	if f == nil || f.Class != ClassCancelled {
		t.Fatalf("failure = %v, want Cancelled", f)
	}
	if f.State != StateWaitingForHealthy {
		t.Errorf("failure state = %s", f.State)
	}
	if len(res.Applied) != 3 {
		t.Errorf("applied = %v; installs before the reboot still count", res.Applied)
	}
	if h.exitCalls != 0 {
		t.Error("host must be left as-is once installs have run")
	}
}

func TestMachine_ConnectRefused(t *testing.T) {
	h := newFakeHost(base)
	h.connectErr = fmt.Errorf("%w: esx01 is a member of cluster prod", hostclient.ErrMaintenanceRefused)
	res := runOne(t, h, chainPlanner{artifacts: chain})

	if res.Failure == nil || res.Failure.Class != ClassMaintenanceRefused {
		t.Fatalf("failure = %v, want MaintenanceRefused", res.Failure)
	}
	if res.Failure.State != StateConnecting || h.connects != 1 || res.Retries != 0 {
		t.Errorf("state = %s, connects = %d, retries = %d; refusal must not be retried",
			res.Failure.State, h.connects, res.Retries)
	}
}

func TestMachine_CancelledBeforeStart(t *testing.T) {
	h := newFakeHost(base)
	client := newFakeClient()
	target := client.add("10.0.0.1", h)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newTestMachine(client, chainPlanner{artifacts: chain}).Run(ctx, "r", target, false)
	if res.Failure == nil || res.Failure.Class != ClassCancelled || res.Failure.State != StatePending {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if h.connects != 0 {
		t.Error("no connection may be made after cancellation")
	}
}

func TestMachine_PlanIsMonotonic(t *testing.T) {
	c, err := catalog.Parse([]byte(`
artifacts:
  - {id: a, target: 7.0.3-21424296, location: a.zip, published: 2023-03-01}
  - {id: b, requires: 7.0.3-21424296, target: 7.0.3-21930508, location: b.zip, published: 2023-06-01, mandatory: true}
  - {id: c, requires: 7.0.3-21424296, target: 7.0.3-22348816, location: c.zip, published: 2023-09-01}
  - {id: d, requires: 7.0.3-21930508, target: 8.0.2-22380479, location: d.zip, published: 2023-09-21}
`), "/srv/catalog.yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	for _, from := range []string{"6.7.0-19195723", "7.0.3-20036589", "7.0.3-21424296", "7.0.3-21930508"} {
		plan, err := c.Plan(patch.MustParseVersion(from), catalog.Options{})
		if err != nil {
			t.Fatalf("Plan(%s): %v", from, err)
		}
		if !plan.Monotonic() {
			t.Errorf("plan from %s is not monotonic: %v", from, plan.IDs())
		}
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond}
	calls := 0
	attempts, err := retry(context.Background(), p, discard(), "op",
		func(err error) bool { return !errors.Is(err, hostclient.ErrMaintenanceRefused) },
		func(context.Context) error {
			calls++
			return hostclient.ErrMaintenanceRefused
		})
	if attempts != 1 || calls != 1 || !errors.Is(err, hostclient.ErrMaintenanceRefused) {
		t.Errorf("attempts = %d, calls = %d, err = %v", attempts, calls, err)
	}
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialInterval: time.Hour, MaxInterval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempts, err := retry(ctx, p, discard(), "op", always, func(context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if attempts != 1 || calls != 1 || err == nil {
		t.Errorf("attempts = %d, calls = %d, err = %v", attempts, calls, err)
	}
}
