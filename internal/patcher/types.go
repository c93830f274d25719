package patcher

import (
	"fmt"
	"time"

	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

// State is a step of the per-host patch lifecycle.
type State string

const (
	StatePending             State = "Pending"
	StateConnecting          State = "Connecting"
	StateChecking            State = "Checking"
	StateMaintenanceEntering State = "MaintenanceEntering"
	StateStaging             State = "Staging"
	StateInstalling          State = "Installing"
	StateRebooting           State = "Rebooting"
	StateWaitingForHealthy   State = "WaitingForHealthy"
	StateMaintenanceExiting  State = "MaintenanceExiting"
	StateVerified            State = "Verified"
	// StatePlanned ends a dry run after the plan was computed.
	StatePlanned State = "Planned"
	StateFailed  State = "Failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateFailed || s == StatePlanned
}

// FailureClass classifies why a host run failed.
type FailureClass string

const (
	ClassUnreachable        FailureClass = "Unreachable"
	ClassNoApplicablePatch  FailureClass = "NoApplicablePatch"
	ClassMaintenanceRefused FailureClass = "MaintenanceRefused"
	ClassStagingFailed      FailureClass = "StagingFailed"
	ClassInstallError       FailureClass = "InstallError"
	ClassBootTimeout        FailureClass = "BootTimeout"
	ClassVersionMismatch    FailureClass = "VersionMismatch"
	ClassCancelled          FailureClass = "Cancelled"
)

// Transient reports whether the class is retried inside the state that
// produced it.
func (c FailureClass) Transient() bool {
	return c == ClassUnreachable || c == ClassStagingFailed
}

// Failure is the first error that ended a host run.
type Failure struct {
	Class FailureClass `json:"class"`
	// State is the state the run was in when it failed.
	State State `json:"state"`
	// ArtifactIndex is the 1-based plan position where progress stopped,
	// 0 when the failure is not tied to an artifact.
	ArtifactIndex int    `json:"artifact_index,omitempty"`
	ArtifactID    string `json:"artifact_id,omitempty"`
	Message       string `json:"message"`
	// Attempts made in the failing state, including the first.
	Attempts int `json:"attempts"`
}

func (f *Failure) Error() string {
	if f.ArtifactIndex > 0 {
		return fmt.Sprintf("%s in %s at artifact %d (%s): %s", f.Class, f.State, f.ArtifactIndex, f.ArtifactID, f.Message)
	}
	return fmt.Sprintf("%s in %s: %s", f.Class, f.State, f.Message)
}

// HostRunResult is the outcome of one host run. It is not modified after
// the machine returns it.
type HostRunResult struct {
	RunID  string           `json:"run_id"`
	Target patch.HostTarget `json:"target"`
	State  State            `json:"state"`

	FromVersion  string `json:"from_version,omitempty"`
	FinalVersion string `json:"final_version,omitempty"`

	// Planned lists the artifact ids of the plan in order.
	Planned []string `json:"planned"`
	// Applied lists the artifacts whose install completed, in order.
	Applied []string `json:"applied"`

	Failure  *Failure `json:"failure,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// Retries counts extra attempts across all states.
	Retries int `json:"retries"`

	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`
}

// Succeeded reports whether the run ended without a failure.
func (r HostRunResult) Succeeded() bool {
	return r.Failure == nil && r.State != StateFailed
}

// BatchReport holds one result per configured host, in configuration order.
type BatchReport struct {
	RunID    string          `json:"run_id"`
	DryRun   bool            `json:"dry_run,omitempty"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Hosts    []HostRunResult `json:"hosts"`
}

// Get returns the result for a host identity.
func (b *BatchReport) Get(id string) (HostRunResult, bool) {
	for _, r := range b.Hosts {
		if r.Target.ID() == id {
			return r, true
		}
	}
	return HostRunResult{}, false
}

// Failed returns the results of hosts that did not succeed.
func (b *BatchReport) Failed() []HostRunResult {
	var out []HostRunResult
	for _, r := range b.Hosts {
		if !r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the number of successful and failed hosts.
func (b *BatchReport) Counts() (succeeded, failed int) {
	for _, r := range b.Hosts {
		if r.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// ExitCode is 1 when any host failed, 0 otherwise.
func (b *BatchReport) ExitCode() int {
	if _, failed := b.Counts(); failed > 0 {
		return 1
	}
	return 0
}
