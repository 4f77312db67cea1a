package entities

import (
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
)

// Module wires the entity repository.
var Module = fx.Module("entities",
	fx.Provide(
		func(db *bun.DB, log *slog.Logger) *Repository {
			return NewRepository(db, log)
		},
	),
)
