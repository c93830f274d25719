package objstore

import "go.uber.org/fx"

// Module provides the S3 client used for s3:// patch sources.
var Module = fx.Module("objstore",
	fx.Provide(NewClient),
)
