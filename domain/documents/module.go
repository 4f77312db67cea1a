package documents

import "go.uber.org/fx"

// Module provides the processed-document store. The repository binds to
// bun.IDB so the processor can rebind it to a transaction.
var Module = fx.Module("documents",
	fx.Provide(NewRepository),
)
