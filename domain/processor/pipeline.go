package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/domain/embedding"
	"github.com/docmesh/docmesh/domain/entities"
	"github.com/docmesh/docmesh/domain/ontology"
	"github.com/docmesh/docmesh/domain/parsers"
	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/sources"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/logger"
)

// Outcomes of one Process call.
const (
	OutcomeProcessed = "processed"
	OutcomeUnchanged = "unchanged"
)

// Result summarizes one successfully handled queue entry.
type Result struct {
	DocID         string
	Outcome       string
	Elements      int
	LinksQueued   int
	Entities      entities.UpdateCounts
	SemanticEdges int
	Duration      time.Duration
}

// Params collects the pipeline's collaborators for construction.
type Params struct {
	RunConfig *config.RunConfig
	DB        bun.IDB
	Sources   *sources.Registry
	Parsers   *parsers.Registry
	Queue     *queue.Queue
	Documents *documents.Repository
	Entities  *entities.Repository
	Extractor *ontology.Extractor
	Embedder  *embedding.Generator
	Semantic  *SemanticLinker
	Logger    *slog.Logger
}

// Processor runs the per-document pipeline: fetch, parse, link
// discovery, entity extraction, contextual embedding, and one atomic
// persist. One Processor is shared by every claim thread in a worker.
type Processor struct {
	rc        *config.RunConfig
	db        bun.IDB
	registry  *sources.Registry
	parsers   *parsers.Registry
	queue     *queue.Queue
	docs      *documents.Repository
	ents      *entities.Repository
	extractor *ontology.Extractor
	embedder  *embedding.Generator
	semantic  *SemanticLinker
	log       *slog.Logger
}

// NewProcessor wires a pipeline from its collaborators.
func NewProcessor(p Params) *Processor {
	return &Processor{
		rc:        p.RunConfig,
		db:        p.DB,
		registry:  p.Sources,
		parsers:   p.Parsers,
		queue:     p.Queue,
		docs:      p.Documents,
		ents:      p.Entities,
		extractor: p.Extractor,
		embedder:  p.Embedder,
		semantic:  p.Semantic,
		log:       p.Logger.With(logger.Scope("processor")),
	}
}

// Process ingests one claimed queue entry end to end. Errors wrapped
// Permanent (and vanished documents) send the entry straight to the
// dead-letter queue; everything else is retried on the queue's backoff
// schedule. The caller owns the completed/failed state transition.
func (p *Processor) Process(ctx context.Context, entry *queue.Entry) (*Result, error) {
	start := time.Now()

	src, ok := p.registry.Get(entry.SourceName)
	if !ok {
		return nil, Permanent(fmt.Errorf("unknown source %q for %s", entry.SourceName, entry.DocID))
	}

	existing, err := p.docs.GetByID(ctx, entry.DocID)
	if err != nil {
		return nil, err
	}

	// The adapter's change check is advisory; the content hash below is
	// what actually decides. A check that errors counts as changed.
	changed := true
	if existing != nil && existing.LastIngestedAt != nil {
		if c, err := src.HasChanged(ctx, entry.DocID, *existing.LastIngestedAt); err == nil {
			changed = c
		}
	}

	fetch, err := src.Fetch(ctx, entry.DocID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entry.DocID, err)
	}

	hash := parsers.HashBytes(fetch.Content)
	if existing != nil && !changed && existing.ContentHash == hash {
		if err := p.docs.TouchIngested(ctx, entry.DocID); err != nil {
			return nil, err
		}
		p.log.Debug("document unchanged", slog.String("doc_id", entry.DocID))
		return p.finish(&Result{DocID: entry.DocID, Outcome: OutcomeUnchanged}, start), nil
	}

	parser := p.parsers.ForDocument(docPath(entry.DocID), fetch.Metadata)
	parsed, err := parser.Parse(entry.DocID, fetch.Content)
	if err != nil {
		// Parsers are deterministic: the same bytes fail the same way.
		return nil, Permanent(fmt.Errorf("parse %s as %s: %w", entry.DocID, parser.DocType(), err))
	}

	parsed.Document.Source = fetch.SourceURI
	parsed.Document.Metadata = mergeMetadata(fetch.Metadata, parsed.Document.Metadata)

	result := &Result{
		DocID:    entry.DocID,
		Outcome:  OutcomeProcessed,
		Elements: len(parsed.Elements),
	}

	if src.FollowLinks() && entry.LinkDepth() < p.rc.Processing.MaxLinkDepth {
		result.LinksQueued, err = p.discoverLinks(ctx, entry, parsed)
		if err != nil {
			return nil, err
		}
	}

	extraction, err := p.extractor.ExtractDocument(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("extract entities from %s: %w", entry.DocID, err)
	}

	vecs, err := p.embedder.EmbedElements(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", entry.DocID, err)
	}

	applied, err := p.persist(ctx, parsed, extraction, vecs)
	if err != nil {
		return nil, fmt.Errorf("persist %s: %w", entry.DocID, err)
	}
	result.Entities = applied.Counts

	// Everything past the commit is enrichment on an already-valid
	// document. Failures are logged and the entry still completes:
	// retrying would reclassify the entities as preserved and never
	// reach this code again.
	p.embedEntities(ctx, applied.EmbedTargets)

	if edges, err := p.semantic.Link(ctx, parsed, vecs); err != nil {
		p.log.Warn("semantic relationship pass failed",
			logger.Error(err), slog.String("doc_id", entry.DocID))
	} else {
		result.SemanticEdges = edges
	}

	p.log.Info("document processed",
		slog.String("doc_id", entry.DocID),
		slog.Int("elements", result.Elements),
		slog.Int("links_queued", result.LinksQueued),
		slog.Int("entities_created", applied.Counts.Created),
		slog.Int("entities_preserved", applied.Counts.Preserved),
		slog.Int("semantic_edges", result.SemanticEdges))
	return p.finish(result, start), nil
}

// finish stamps the duration and records outcome metrics.
func (p *Processor) finish(result *Result, start time.Time) *Result {
	result.Duration = time.Since(start)
	documentsTotal.WithLabelValues(result.Outcome).Inc()
	processingDuration.WithLabelValues(result.Outcome).Observe(result.Duration.Seconds())
	return result
}

// discoverLinks resolves the parser's link relationships against the
// source registry and enqueues every resolvable target one level
// deeper. Documents the run has already seen are skipped, so link
// cycles converge: each document is ingested once per run no matter
// how many links point at it.
func (p *Processor) discoverLinks(ctx context.Context, entry *queue.Entry, parsed *documents.ParsedDocument) (int, error) {
	depth := entry.LinkDepth()
	queued := 0
	visited := map[string]bool{entry.DocID: true}

	for i := range parsed.Relationships {
		rel := &parsed.Relationships[i]
		if rel.RelationshipType != documents.RelLink {
			continue
		}
		target, _ := rel.Metadata["url"].(string)
		if target == "" {
			continue
		}

		docID, ok := p.registry.ResolveLink(ctx, entry.DocID, target)
		if !ok || visited[docID] {
			continue
		}
		visited[docID] = true

		sourceName, _, ok := sources.SplitDocID(docID)
		if !ok {
			continue
		}

		seen, err := p.queue.Seen(ctx, entry.RunID, docID)
		if err != nil {
			return queued, err
		}
		if seen {
			continue
		}

		if _, err := p.queue.Add(ctx, queue.AddParams{
			RunID:      entry.RunID,
			DocID:      docID,
			SourceName: sourceName,
			Metadata:   map[string]any{queue.MetaLinkDepth: depth + 1},
		}); err != nil {
			return queued, fmt.Errorf("enqueue discovered link %s: %w", docID, err)
		}
		queued++
		linksQueuedTotal.Inc()
		p.log.Debug("link discovered",
			slog.String("from", entry.DocID),
			slog.String("doc_id", docID),
			slog.Int("link_depth", depth+1))
	}
	return queued, nil
}

// persist commits the parsed graph, element embeddings, and the entity
// smart update in one transaction. A reader never sees a partially
// ingested document.
func (p *Processor) persist(ctx context.Context, parsed *documents.ParsedDocument, extraction *ontology.Extraction, vecs map[string][]float32) (*entities.ApplyResult, error) {
	var applied *entities.ApplyResult
	err := p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		docs := p.docs.WithTx(tx)
		ents := p.ents.WithTx(tx)

		if err := docs.Upsert(ctx, parsed.Document); err != nil {
			return err
		}
		if err := docs.ReplaceElements(ctx, parsed.Document.DocID, parsed.Elements); err != nil {
			return err
		}
		if err := docs.ReplaceRelationships(ctx, parsed.Document.DocID, parsed.Relationships); err != nil {
			return err
		}

		pks := make(map[string]int64, len(parsed.Elements))
		for i := range parsed.Elements {
			pks[parsed.Elements[i].ElementID] = parsed.Elements[i].ElementPK
		}

		for elementID, vec := range vecs {
			pk, ok := pks[elementID]
			if !ok {
				continue
			}
			if err := docs.UpdateElementEmbedding(ctx, pk, vec); err != nil {
				return err
			}
		}

		var err error
		applied, err = ents.SmartUpdate(ctx, entities.ApplyParams{
			DocID:         parsed.Document.DocID,
			Domain:        p.rc.Domain.Name,
			Drafts:        extraction.Drafts,
			Relationships: extraction.Relationships,
			ElementPKs:    pks,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// embedEntities refreshes vectors for entities whose content changed
// this ingest. Runs after the commit; failures are logged, not fatal.
func (p *Processor) embedEntities(ctx context.Context, targets []*entities.Entity) {
	vecs, err := p.embedder.EmbedEntities(ctx, targets)
	if err != nil {
		p.log.Warn("entity embedding failed", logger.Error(err), slog.Int("entities", len(targets)))
		return
	}
	for i, vec := range vecs {
		if err := p.ents.UpdateEmbedding(ctx, targets[i].EntityPK, vec); err != nil {
			p.log.Warn("entity embedding update failed",
				logger.Error(err), slog.String("entity_id", targets[i].EntityID))
		}
	}
}

// docPath returns the path component of a doc id for parser dispatch.
func docPath(docID string) string {
	if _, path, ok := sources.SplitDocID(docID); ok {
		return path
	}
	return docID
}

// mergeMetadata overlays parser-derived keys on source metadata. The
// parser wins on collisions: it saw the actual bytes.
func mergeMetadata(source, parsed map[string]any) map[string]any {
	if len(source) == 0 {
		return parsed
	}
	merged := make(map[string]any, len(source)+len(parsed))
	for k, v := range source {
		merged[k] = v
	}
	for k, v := range parsed {
		merged[k] = v
	}
	return merged
}
