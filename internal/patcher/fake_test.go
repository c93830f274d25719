package patcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

// fakeHost is a scripted ESXi host. It is its own session; Connect hands
// out the same value every time.
type fakeHost struct {
	mu sync.Mutex

	version string
	pending string // version after the next reboot

	connectFailures int // -1 fails forever
	connectErr      error
	enterErr        error
	exitErr         error
	stageFailures   map[string]int // -1 fails forever
	installErr      map[string]error
	noVersionChange bool
	bootOK          bool
	onInstall       func(id string)
	onStage         func(id string)
	onPoll          func(n int) // called with the post-reboot poll count

	connects, enterCalls, exitCalls, closes int
	stageCalls, installCalls                map[string]int
	rebooted                                bool
	polls                                   int
}

func newFakeHost(version string) *fakeHost {
	return &fakeHost{
		version:       version,
		stageFailures: make(map[string]int),
		installErr:    make(map[string]error),
		stageCalls:    make(map[string]int),
		installCalls:  make(map[string]int),
		bootOK:        true,
	}
}

func (h *fakeHost) Version(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version, ctx.Err()
}

func (h *fakeHost) EnterMaintenanceMode(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enterCalls++
	return h.enterErr
}

func (h *fakeHost) ExitMaintenanceMode(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exitCalls++
	return h.exitErr
}

func (h *fakeHost) StageArtifact(ctx context.Context, a patch.Artifact) error {
	h.mu.Lock()
	h.stageCalls[a.ID]++
	hook := h.onStage
	h.mu.Unlock()

	if hook != nil {
		hook(a.ID)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upload aborted: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch n := h.stageFailures[a.ID]; {
	case n < 0:
		return fmt.Errorf("%w: checksum mismatch", hostclient.ErrTransfer)
	case n > 0:
		h.stageFailures[a.ID]--
		return fmt.Errorf("%w: truncated transfer", hostclient.ErrTransfer)
	}
	return nil
}

func (h *fakeHost) InstallStaged(ctx context.Context, a patch.Artifact) error {
	h.mu.Lock()
	h.installCalls[a.ID]++
	hook := h.onInstall
	h.mu.Unlock()

	if hook != nil {
		hook(a.ID)
	}
	// The machine must shield a running install from cancellation.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("install interrupted: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.installErr[a.ID]; err != nil {
		return err
	}
	h.pending = a.Target.String()
	return nil
}

func (h *fakeHost) Reboot(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rebooted = true
	if h.pending != "" && !h.noVersionChange {
		h.version = "VMware ESXi " + h.pending
	}
	return nil
}

func (h *fakeHost) PollHealth(context.Context) (hostclient.Health, error) {
	h.mu.Lock()
	if !h.rebooted {
		h.mu.Unlock()
		return hostclient.PoweredOn, nil
	}
	h.polls++
	n, hook := h.polls, h.onPoll
	health := hostclient.PoweredOn
	if n == 1 || !h.bootOK {
		health = hostclient.Unresponsive
	}
	h.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return health, nil
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

func (h *fakeHost) totalStageCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.stageCalls {
		n += c
	}
	return n
}

func (h *fakeHost) totalInstallCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.installCalls {
		n += c
	}
	return n
}

type fakeClient struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
	delay time.Duration

	active, peak atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{hosts: make(map[string]*fakeHost)}
}

func (c *fakeClient) add(address string, h *fakeHost) patch.HostTarget {
	c.mu.Lock()
	c.hosts[address] = h
	c.mu.Unlock()
	return patch.HostTarget{Name: address, Address: address, Username: "root", SSHPort: 22, APIPort: 443}
}

func (c *fakeClient) Connect(ctx context.Context, target patch.HostTarget) (hostclient.Session, error) {
	c.mu.Lock()
	h, ok := c.hosts[target.Address]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown host %s", hostclient.ErrUnreachable, target.Address)
	}

	if c.delay > 0 {
		n := c.active.Add(1)
		for {
			p := c.peak.Load()
			if n <= p || c.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(c.delay)
		c.active.Add(-1)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	if h.connectErr != nil {
		return nil, h.connectErr
	}
	switch {
	case h.connectFailures < 0:
		return nil, fmt.Errorf("%w: connection timed out", hostclient.ErrUnreachable)
	case h.connectFailures > 0:
		h.connectFailures--
		return nil, fmt.Errorf("%w: connection refused", hostclient.ErrUnreachable)
	}
	return h, ctx.Err()
}

// chainPlanner returns, in order, the artifacts that target a version
// above the host's current one.
type chainPlanner struct {
	artifacts []patch.Artifact
	err       error
}

func (p chainPlanner) Resolve(_ context.Context, _ patch.HostTarget, current patch.Version) (patch.Plan, error) {
	plan := patch.Plan{From: current}
	if p.err != nil {
		return plan, p.err
	}
	for _, a := range p.artifacts {
		if current.Less(a.Target) {
			plan.Artifacts = append(plan.Artifacts, a)
		}
	}
	return plan, nil
}

func artifactChain(targets ...string) []patch.Artifact {
	out := make([]patch.Artifact, len(targets))
	for i, t := range targets {
		out[i] = patch.Artifact{
			ID:       fmt.Sprintf("patch-%d", i+1),
			Target:   patch.MustParseVersion(t),
			Location: fmt.Sprintf("https://depot.example.com/patch-%d.zip", i+1),
			Kind:     patch.KindDepot,
		}
	}
	return out
}

var (
	base  = "VMware ESXi 7.0.3 build-20036589"
	chain = artifactChain("7.0.3-21424296", "7.0.3-21930508", "7.0.3-22348816")
	top   = "VMware ESXi 7.0.3 build-22348816"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Retry = config.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
	cfg.Timeouts = config.TimeoutsConfig{
		Connect:      time.Second,
		Command:      time.Second,
		Stage:        time.Second,
		Install:      time.Second,
		Boot:         50 * time.Millisecond,
		RebootDown:   20 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
	return cfg
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// recorder is an Observer and Sink that keeps everything it sees.
type recorder struct {
	mu          sync.Mutex
	transitions map[string][]State
	finished    []HostRunResult
	reports     []*BatchReport
	err         error
}

func newRecorder() *recorder {
	return &recorder{transitions: make(map[string][]State)}
}

func (r *recorder) StateChanged(_ context.Context, target patch.HostTarget, _, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[target.ID()] = append(r.transitions[target.ID()], to)
}

func (r *recorder) HostFinished(_ context.Context, res HostRunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
}

func (r *recorder) Report(ctx context.Context, report *BatchReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	r.reports = append(r.reports, report)
	return r.err
}

var errSink = errors.New("sink unavailable")
