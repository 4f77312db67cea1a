package parsers

import "go.uber.org/fx"

// Module provides the parser registry.
var Module = fx.Module("parsers",
	fx.Provide(NewRegistry),
)
