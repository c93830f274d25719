package catalog

import (
	"go.uber.org/fx"

	"github.com/kidoz/esxi-patcher-go/internal/artifact"
)

// Module provides the catalog resolver. Catalogs are fetched through the
// artifact opener, so artifact.Module must be part of the same app.
var Module = fx.Module("catalog",
	fx.Provide(
		NewResolver,
		ProvideFetcher,
	),
)

// ProvideFetcher exposes the artifact opener as a catalog Fetcher.
func ProvideFetcher(o *artifact.Opener) Fetcher {
	return o
}
