package processor

import (
	"context"
	"log/slog"
	"math"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/logger"
)

// SemanticLinker records cross-document semantic_similarity edges
// between embedded elements. It runs after a document's transaction
// commits: a failure here leaves a valid document missing optional
// enrichment, never a partial one. Edges accumulate as documents are
// ingested, so the graph is eventually consistent with the corpus.
type SemanticLinker struct {
	spec config.RelationshipSpec
	docs *documents.Repository
	log  *slog.Logger
}

// NewSemanticLinker creates a linker from the run's
// relationship_detection settings.
func NewSemanticLinker(rc *config.RunConfig, docs *documents.Repository, log *slog.Logger) *SemanticLinker {
	return &SemanticLinker{
		spec: rc.Relationships,
		docs: docs,
		log:  log.With(logger.Scope("semantic")),
	}
}

// Link searches, for every embedded element of the document, the
// nearest stored elements of other documents and records edges in both
// directions for pairs above the similarity threshold. The reverse
// edge is owned by the foreign document, so either side's re-ingest
// rebuilds its own half. Duplicate edges collapse on the relationship
// unique index. Returns the number of edges written, counting both
// directions.
func (l *SemanticLinker) Link(ctx context.Context, doc *documents.ParsedDocument, vecs map[string][]float32) (int, error) {
	if !l.spec.Enabled || len(vecs) == 0 {
		return 0, nil
	}

	docID := doc.Document.DocID
	var edges []documents.Relationship
	for i := range doc.Elements {
		el := &doc.Elements[i]
		vec, ok := vecs[el.ElementID]
		if !ok {
			continue
		}

		hits, err := l.docs.NearestElements(ctx, vec, docID, l.spec.MaxNeighbors)
		if err != nil {
			return 0, err
		}
		for _, hit := range hits {
			if hit.Similarity < l.spec.Threshold {
				continue
			}
			meta := map[string]any{
				documents.MetaCrossDocument: true,
				"similarity":                math.Round(hit.Similarity*10000) / 10000,
			}
			edges = append(edges,
				documents.Relationship{
					DocID:            docID,
					SourceID:         el.ElementID,
					TargetID:         hit.ElementID,
					RelationshipType: documents.RelSemantic,
					Metadata:         meta,
				},
				documents.Relationship{
					DocID:            hit.DocID,
					SourceID:         hit.ElementID,
					TargetID:         el.ElementID,
					RelationshipType: documents.RelSemantic,
					Metadata:         meta,
				},
			)
		}
	}
	if len(edges) == 0 {
		return 0, nil
	}

	if err := l.docs.InsertRelationships(ctx, edges); err != nil {
		return 0, err
	}
	semanticEdgesTotal.Add(float64(len(edges)))
	l.log.Debug("semantic edges recorded",
		slog.String("doc_id", docID), slog.Int("edges", len(edges)))
	return len(edges), nil
}
