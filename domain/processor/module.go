package processor

import (
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/domain/embedding"
	"github.com/docmesh/docmesh/domain/entities"
	"github.com/docmesh/docmesh/domain/ontology"
	"github.com/docmesh/docmesh/domain/parsers"
	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/sources"
	"github.com/docmesh/docmesh/internal/config"
)

// Module wires the pipeline, the semantic linker, and discovery. The
// runner is constructed by the worker binary, which owns its options.
var Module = fx.Module("processor",
	fx.Provide(
		NewSemanticLinker,
		NewDiscovery,
		func(rc *config.RunConfig, db *bun.DB, reg *sources.Registry, par *parsers.Registry, q *queue.Queue, docs *documents.Repository, ents *entities.Repository, ext *ontology.Extractor, gen *embedding.Generator, sem *SemanticLinker, log *slog.Logger) *Processor {
			return NewProcessor(Params{
				RunConfig: rc,
				DB:        db,
				Sources:   reg,
				Parsers:   par,
				Queue:     q,
				Documents: docs,
				Entities:  ents,
				Extractor: ext,
				Embedder:  gen,
				Semantic:  sem,
				Logger:    log,
			})
		},
	),
)
