package notify

import (
	"go.uber.org/fx"

	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

// Module provides the NATS publisher as a state observer.
var Module = fx.Module("notify",
	fx.Provide(
		NewPublisher,
		fx.Annotate(
			func(p *Publisher) patcher.Observer { return p },
			fx.ResultTags(`group:"observers"`),
		),
	),
)
