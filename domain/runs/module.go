package runs

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/docmesh/docmesh/internal/config"
)

// Module wires the run repository, the derived run identity, and the
// process's run row. Providing *ProcessingRun here means every fx
// binary ensures the row exists before anything registers against it.
var Module = fx.Module("runs",
	fx.Provide(
		func(db *bun.DB, log *slog.Logger) *Repository {
			return NewRepository(db, log)
		},
		func(rc *config.RunConfig) RunInfo {
			return NewRunInfo(rc)
		},
		func(repo *Repository, info RunInfo) (*ProcessingRun, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return repo.EnsureRun(ctx, info)
		},
	),
)
