package queue

import (
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/docmesh/docmesh/internal/config"
)

// Module wires the work queue and the dead-letter service.
var Module = fx.Module("queue",
	fx.Provide(
		func(db *bun.DB, rc *config.RunConfig, log *slog.Logger) *Queue {
			return NewQueue(db, ConfigFromRun(rc), log)
		},
		func(db *bun.DB, log *slog.Logger) *DeadLetterService {
			return NewDeadLetterService(db, log)
		},
	),
)
