package documents

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/uptrace/bun"

	"github.com/docmesh/docmesh/pkg/logger"
	"github.com/docmesh/docmesh/pkg/pgutils"
)

// Repository persists documents with their elements and relationships.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository builds the repository over db, which is the shared
// handle in production and a transaction under test or WithTx.
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("documents")),
	}
}

// WithTx returns a copy of the repository bound to the given transaction,
// so the processor can compose document and entity writes atomically.
func (r *Repository) WithTx(tx bun.IDB) *Repository {
	return &Repository{db: tx, log: r.log}
}

// GetByID retrieves a single document. Returns (nil, nil) when not found.
func (r *Repository) GetByID(ctx context.Context, docID string) (*Document, error) {
	var doc Document
	err := r.db.NewSelect().
		Model(&doc).
		ColumnExpr("d.*").
		ColumnExpr("(SELECT COUNT(*)::int FROM elements e WHERE e.doc_id = d.doc_id) AS element_count").
		Where("d.doc_id = ?", docID).
		Scan(ctx)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}

	return &doc, nil
}

// Upsert inserts the document row or refreshes it when the doc_id already
// exists. Elements and relationships are replaced separately.
func (r *Repository) Upsert(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	doc.UpdatedAt = now
	if doc.LastIngestedAt == nil {
		doc.LastIngestedAt = &now
	}

	_, err := r.db.NewInsert().
		Model(doc).
		On("CONFLICT (doc_id) DO UPDATE").
		Set("doc_type = EXCLUDED.doc_type").
		Set("source = EXCLUDED.source").
		Set("content_hash = EXCLUDED.content_hash").
		Set("metadata = EXCLUDED.metadata").
		Set("updated_at = EXCLUDED.updated_at").
		Set("last_ingested_at = EXCLUDED.last_ingested_at").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// TouchIngested records that an unchanged document was seen again without
// rewriting its graph.
func (r *Repository) TouchIngested(ctx context.Context, docID string) error {
	now := time.Now().UTC()
	_, err := r.db.NewUpdate().
		Model((*Document)(nil)).
		Set("last_ingested_at = ?", now).
		Set("updated_at = ?", now).
		Where("doc_id = ?", docID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	return nil
}

// Delete permanently deletes a document; elements, relationships, and
// element-entity mappings go with it via cascade. Returns true if a row
// was deleted.
func (r *Repository) Delete(ctx context.Context, docID string) (bool, error) {
	result, err := r.db.NewDelete().
		Model((*Document)(nil)).
		Where("doc_id = ?", docID).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to delete document", logger.Error(err), slog.String("doc_id", docID))
		return false, fmt.Errorf("delete document: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// ReplaceElements swaps the document's element set wholesale. Inserts are
// ordered parent-before-child so the parent_id foreign key holds row by
// row, and ElementPK is populated on every passed element.
func (r *Repository) ReplaceElements(ctx context.Context, docID string, elements []Element) error {
	_, err := r.db.NewDelete().
		Model((*Element)(nil)).
		Where("doc_id = ?", docID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete elements: %w", err)
	}

	if len(elements) == 0 {
		return nil
	}

	ordered := sortParentFirst(elements)
	_, err = r.db.NewInsert().
		Model(&ordered).
		Returning("element_pk").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert elements: %w", err)
	}

	// Propagate generated PKs back to the caller's slice by element_id.
	pks := make(map[string]int64, len(ordered))
	for i := range ordered {
		pks[ordered[i].ElementID] = ordered[i].ElementPK
	}
	for i := range elements {
		elements[i].ElementPK = pks[elements[i].ElementID]
	}
	return nil
}

// ReplaceRelationships swaps the document's owned relationship set. Edges
// colliding with ones already written by another document (cross-document
// semantic edges are written from both sides) are skipped.
func (r *Repository) ReplaceRelationships(ctx context.Context, docID string, rels []Relationship) error {
	_, err := r.db.NewDelete().
		Model((*Relationship)(nil)).
		Where("doc_id = ?", docID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete relationships: %w", err)
	}

	if len(rels) == 0 {
		return nil
	}
	return r.InsertRelationships(ctx, rels)
}

// InsertRelationships inserts edges, ignoring duplicates on
// (source_id, target_id, relationship_type).
func (r *Repository) InsertRelationships(ctx context.Context, rels []Relationship) error {
	_, err := r.db.NewInsert().
		Model(&rels).
		On("CONFLICT (source_id, target_id, relationship_type) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert relationships: %w", err)
	}
	return nil
}

// ListElements returns the document's elements in document_position order.
func (r *Repository) ListElements(ctx context.Context, docID string) ([]Element, error) {
	elements := []Element{}
	err := r.db.NewSelect().
		Model(&elements).
		Where("doc_id = ?", docID).
		Order("document_position ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list elements: %w", err)
	}
	return elements, nil
}

// GetElementByID retrieves one element by its string identity. Returns
// (nil, nil) when not found.
func (r *Repository) GetElementByID(ctx context.Context, elementID string) (*Element, error) {
	var el Element
	err := r.db.NewSelect().
		Model(&el).
		Where("element_id = ?", elementID).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get element: %w", err)
	}
	return &el, nil
}

// GetElementsByIDs retrieves elements for the given ids, preserving the
// input order. Missing ids are silently dropped: cross-document targets
// may not be ingested yet.
func (r *Repository) GetElementsByIDs(ctx context.Context, ids []string) ([]Element, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	elements := []Element{}
	err := r.db.NewSelect().
		Model(&elements).
		Where("element_id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get elements by ids: %w", err)
	}

	byID := make(map[string]Element, len(elements))
	for _, el := range elements {
		byID[el.ElementID] = el
	}
	ordered := make([]Element, 0, len(elements))
	for _, id := range ids {
		if el, ok := byID[id]; ok {
			ordered = append(ordered, el)
		}
	}
	return ordered, nil
}

// UpdateElementEmbedding writes the element's embedding vector. An empty
// vector clears the column: pgvector rejects zero-dimension literals.
func (r *Repository) UpdateElementEmbedding(ctx context.Context, elementPK int64, embedding []float32) error {
	query := r.db.NewUpdate().
		Model((*Element)(nil)).
		Where("element_pk = ?", elementPK)

	if len(embedding) == 0 {
		query = query.Set("embedding = NULL")
	} else {
		query = query.Set("embedding = ?::vector", pgutils.FormatVector(embedding))
	}

	if _, err := query.Exec(ctx); err != nil {
		return fmt.Errorf("update element embedding: %w", err)
	}
	return nil
}

// SimilarElement is one hit from a nearest-neighbor search over stored
// element embeddings.
type SimilarElement struct {
	ElementID  string  `bun:"element_id"`
	DocID      string  `bun:"doc_id"`
	Similarity float64 `bun:"similarity"`
}

// NearestElements returns the embedded elements outside the given
// document closest to vec by cosine distance, best first. Similarity is
// 1 - distance, so identical vectors score 1.
func (r *Repository) NearestElements(ctx context.Context, vec []float32, excludeDocID string, limit int) ([]SimilarElement, error) {
	if limit <= 0 || len(vec) == 0 {
		return nil, nil
	}

	formatted := pgutils.FormatVector(vec)
	hits := []SimilarElement{}
	err := r.db.NewRaw(`
		SELECT element_id, doc_id, 1 - (embedding <=> ?::vector) AS similarity
		FROM elements
		WHERE doc_id != ? AND embedding IS NOT NULL
		ORDER BY embedding <=> ?::vector ASC
		LIMIT ?
	`, formatted, excludeDocID, formatted, limit).Scan(ctx, &hits)
	if err != nil {
		return nil, fmt.Errorf("nearest elements: %w", err)
	}
	return hits, nil
}

// CrossDocumentTargets returns target element ids of outgoing edges from
// the given element that are flagged cross-document, oldest first.
func (r *Repository) CrossDocumentTargets(ctx context.Context, elementID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	var targets []string
	err := r.db.NewSelect().
		Model((*Relationship)(nil)).
		Column("target_id").
		Where("source_id = ?", elementID).
		Where("metadata->>? = 'true'", MetaCrossDocument).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx, &targets)
	if err != nil {
		return nil, fmt.Errorf("cross-document targets: %w", err)
	}
	return targets, nil
}

// sortParentFirst orders elements so every parent precedes its children,
// stable on document_position within a level. Parsers emit pre-order trees
// already, but insert correctness must not depend on that.
func sortParentFirst(elements []Element) []Element {
	byParent := make(map[string][]Element)
	var roots []Element
	for _, el := range elements {
		if el.ParentID == nil {
			roots = append(roots, el)
			continue
		}
		byParent[*el.ParentID] = append(byParent[*el.ParentID], el)
	}

	sort.SliceStable(roots, func(i, j int) bool {
		return roots[i].DocumentPosition < roots[j].DocumentPosition
	})

	ordered := make([]Element, 0, len(elements))
	queue := roots
	for len(queue) > 0 {
		el := queue[0]
		queue = queue[1:]
		ordered = append(ordered, el)

		children := byParent[el.ElementID]
		sort.SliceStable(children, func(i, j int) bool {
			return children[i].DocumentPosition < children[j].DocumentPosition
		})
		queue = append(queue, children...)
		delete(byParent, el.ElementID)
	}

	// Orphans (parent missing from the set) go last; the insert will fail
	// on the foreign key, surfacing the malformed parser output.
	if len(ordered) < len(elements) {
		var orphans []Element
		for _, group := range byParent {
			orphans = append(orphans, group...)
		}
		sort.SliceStable(orphans, func(i, j int) bool {
			return orphans[i].DocumentPosition < orphans[j].DocumentPosition
		})
		ordered = append(ordered, orphans...)
	}

	return ordered
}
