package esxi

import (
	"go.uber.org/fx"

	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
)

// Module provides the SSH-backed hostclient.Client.
var Module = fx.Module("esxi",
	fx.Provide(
		fx.Annotate(NewClient, fx.As(new(hostclient.Client))),
	),
)
