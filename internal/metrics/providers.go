package metrics

import (
	"go.uber.org/fx"

	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

// Module provides the recorder as both an observer and a report sink.
var Module = fx.Module("metrics",
	fx.Provide(
		NewRecorder,
		fx.Annotate(
			func(r *Recorder) patcher.Observer { return r },
			fx.ResultTags(`group:"observers"`),
		),
		fx.Annotate(
			func(r *Recorder) patcher.Sink { return r },
			fx.ResultTags(`group:"sinks"`),
		),
	),
)
