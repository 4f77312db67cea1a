package embedding

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/embeddings"
)

// Module wires the context generator.
var Module = fx.Module("embedding",
	fx.Provide(
		func(rc *config.RunConfig, client embeddings.Client, docs *documents.Repository, log *slog.Logger) *Generator {
			return NewGenerator(rc.Embedding, client, docs, log)
		},
	),
)
