package ontology

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/embeddings"
)

// Module loads the configured ontologies and wires the extractor. With
// embeddings disabled the extractor runs without semantic rules.
var Module = fx.Module("ontology",
	fx.Provide(
		func(rc *config.RunConfig) ([]*Ontology, error) {
			return LoadAll(rc.Domain.OntologyPaths)
		},
		func(onts []*Ontology, client embeddings.Client, rc *config.RunConfig, log *slog.Logger) *Extractor {
			if !rc.Embedding.Enabled {
				client = nil
			}
			return NewExtractor(onts, client, log)
		},
	),
)
