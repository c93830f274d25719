package artifact

import (
	"go.uber.org/fx"

	"github.com/kidoz/esxi-patcher-go/internal/objstore"
)

// Module provides the artifact opener together with its object store.
var Module = fx.Module("artifact",
	fx.Provide(NewOpener),
	objstore.Module,
)
