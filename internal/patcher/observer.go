package patcher

import (
	"context"

	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

// Observer is told about every state transition and finished host run.
// Calls come from the host's own goroutine and must not block for long.
type Observer interface {
	StateChanged(ctx context.Context, target patch.HostTarget, from, to State)
	HostFinished(ctx context.Context, res HostRunResult)
}

// Sink receives the finalized batch report.
type Sink interface {
	Report(ctx context.Context, report *BatchReport) error
}

type observers []Observer

func (o observers) StateChanged(ctx context.Context, target patch.HostTarget, from, to State) {
	for _, obs := range o {
		obs.StateChanged(ctx, target, from, to)
	}
}

func (o observers) HostFinished(ctx context.Context, res HostRunResult) {
	for _, obs := range o {
		obs.HostFinished(ctx, res)
	}
}
