package sources

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/docmesh/docmesh/internal/config"
)

// Module provides the source registry built from the run config.
var Module = fx.Module("sources",
	fx.Provide(func(rc *config.RunConfig, cfg *config.Config, log *slog.Logger) (*Registry, error) {
		return BuildRegistry(rc, cfg, log)
	}),
)
