package history

import (
	"go.uber.org/fx"

	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

// Module provides the history store and registers it as a report sink.
var Module = fx.Module("history",
	fx.Provide(
		NewStore,
		fx.Annotate(
			func(s *Store) patcher.Sink { return s },
			fx.ResultTags(`group:"sinks"`),
		),
	),
)
