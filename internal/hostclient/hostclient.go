// Package hostclient defines the capability contract the patch state machine
// uses to drive a remote host. Implementations live elsewhere (see
// internal/esxi); tests use in-memory fakes.
package hostclient

import (
	"context"
	"errors"

	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

// Error classes returned (wrapped) by implementations. Callers classify with
// errors.Is.
var (
	// ErrUnreachable covers connect failures, authentication failures and
	// lost sessions.
	ErrUnreachable = errors.New("host unreachable")
	// ErrMaintenanceRefused means the host declined to enter maintenance
	// mode, typically because powered-on guests cannot be evacuated.
	ErrMaintenanceRefused = errors.New("maintenance mode refused")
	// ErrTransfer is a failed or corrupted artifact upload.
	ErrTransfer = errors.New("artifact transfer failed")
	// ErrInstall is a failed artifact installation.
	ErrInstall = errors.New("artifact install failed")
)

// Health is the coarse power/responsiveness state of a host.
type Health int

const (
	Unresponsive Health = iota
	PoweredOff
	PoweredOn
)

func (h Health) String() string {
	switch h {
	case PoweredOn:
		return "PoweredOn"
	case PoweredOff:
		return "PoweredOff"
	default:
		return "Unresponsive"
	}
}

// Client opens management sessions to hosts.
type Client interface {
	Connect(ctx context.Context, target patch.HostTarget) (Session, error)
}

// Session is one authenticated management session. It survives the host
// rebooting: implementations re-establish the underlying transport lazily.
type Session interface {
	// Version returns the raw version string the host reports.
	Version(ctx context.Context) (string, error)
	EnterMaintenanceMode(ctx context.Context) error
	ExitMaintenanceMode(ctx context.Context) error
	StageArtifact(ctx context.Context, artifact patch.Artifact) error
	InstallStaged(ctx context.Context, artifact patch.Artifact) error
	Reboot(ctx context.Context) error
	PollHealth(ctx context.Context) (Health, error)
	Close() error
}
