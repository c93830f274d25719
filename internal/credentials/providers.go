package credentials

import "go.uber.org/fx"

// Module provides the credential reference resolver.
var Module = fx.Module("credentials",
	fx.Provide(NewResolver),
)
