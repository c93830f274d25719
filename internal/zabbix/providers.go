package zabbix

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/patcher"
)

// Module provides the zabbix_sender wrapper, the frontend API client and
// registers the reporter as a report sink. The API client is only built
// when something asks for it.
var Module = fx.Module("zabbix",
	fx.Provide(
		NewSender,
		NewReporter,
		newAPIClient,
		fx.Annotate(
			func(r *Reporter) patcher.Sink { return r },
			fx.ResultTags(`group:"sinks"`),
		),
	),
)

func newAPIClient(cfg *config.Config, log *slog.Logger) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Zabbix.APITimeout)
	defer cancel()
	return NewClient(ctx, cfg, log)
}
