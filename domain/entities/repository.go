package entities

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/docmesh/docmesh/pkg/logger"
	"github.com/docmesh/docmesh/pkg/pgutils"
)

// Repository persists entities, their element mappings, and
// entity-to-entity relationships.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates an entity repository.
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("entities")),
	}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *Repository) WithTx(tx bun.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// GetByEntityID loads an entity by its normalized id, or (nil, nil)
// when it does not exist.
func (r *Repository) GetByEntityID(ctx context.Context, entityID string) (*Entity, error) {
	entity := new(Entity)
	err := r.db.NewSelect().
		Model(entity).
		Where("entity_id = ?", entityID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load entity: %w", err)
	}
	return entity, nil
}

// ListByDocument returns every entity derived from the given document,
// in entity_id order.
func (r *Repository) ListByDocument(ctx context.Context, docID string) ([]Entity, error) {
	var list []Entity
	err := r.db.NewSelect().
		Model(&list).
		Distinct().
		Join("JOIN element_entity_mappings AS m ON m.entity_pk = ent.entity_pk").
		Where("m.doc_id = ?", docID).
		Where("m.relationship_type = ?", RelDerivedFrom).
		OrderExpr("ent.entity_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities for document: %w", err)
	}
	return list, nil
}

// ListMappingsForDocument returns the document's element-entity mappings.
func (r *Repository) ListMappingsForDocument(ctx context.Context, docID string) ([]Mapping, error) {
	var list []Mapping
	err := r.db.NewSelect().
		Model(&list).
		Where("doc_id = ?", docID).
		OrderExpr("mapping_pk ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return list, nil
}

func (r *Repository) deleteMappingsForDocument(ctx context.Context, docID string) error {
	_, err := r.db.NewDelete().
		Model((*Mapping)(nil)).
		Where("doc_id = ?", docID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete mappings: %w", err)
	}
	return nil
}

func (r *Repository) insertMappings(ctx context.Context, mappings []Mapping) error {
	if len(mappings) == 0 {
		return nil
	}
	_, err := r.db.NewInsert().
		Model(&mappings).
		On("CONFLICT (element_pk, entity_pk, relationship_type) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert mappings: %w", err)
	}
	return nil
}

// mappingCounts returns, for each entity pk, how many mappings still
// reference it.
func (r *Repository) mappingCounts(ctx context.Context, pks []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(pks))
	if len(pks) == 0 {
		return counts, nil
	}

	var rows []struct {
		EntityPK int64 `bun:"entity_pk"`
		N        int   `bun:"n"`
	}
	err := r.db.NewSelect().
		Model((*Mapping)(nil)).
		ColumnExpr("entity_pk, COUNT(*) AS n").
		Where("entity_pk IN (?)", bun.In(pks)).
		GroupExpr("entity_pk").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("count mappings: %w", err)
	}
	for _, row := range rows {
		counts[row.EntityPK] = row.N
	}
	return counts, nil
}

func (r *Repository) deleteEntities(ctx context.Context, pks []int64) (int, error) {
	if len(pks) == 0 {
		return 0, nil
	}
	res, err := r.db.NewDelete().
		Model((*Entity)(nil)).
		Where("entity_pk IN (?)", bun.In(pks)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete entities: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inspect entity delete: %w", err)
	}
	return int(n), nil
}

// upsertByEntityID inserts the entity or, when another document already
// created the same concept, refreshes it in place. The model's
// EntityPK is populated either way.
func (r *Repository) upsertByEntityID(ctx context.Context, entity *Entity) error {
	_, err := r.db.NewInsert().
		Model(entity).
		On("CONFLICT (entity_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("attributes = EXCLUDED.attributes").
		Set("domain = EXCLUDED.domain").
		Set("updated_at = now()").
		Returning("entity_pk").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", entity.EntityID, err)
	}
	return nil
}

func (r *Repository) updateEntity(ctx context.Context, pk int64, name string, attrs map[string]any) error {
	_, err := r.db.NewUpdate().
		Model((*Entity)(nil)).
		Set("name = ?", name).
		Set("attributes = ?", jsonbArg(attrs)).
		Set("updated_at = now()").
		Where("entity_pk = ?", pk).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update entity %d: %w", pk, err)
	}
	return nil
}

// UpdateEmbedding stores the entity's embedding vector, or clears it
// when vec is empty.
func (r *Repository) UpdateEmbedding(ctx context.Context, entityPK int64, vec []float32) error {
	if len(vec) == 0 {
		_, err := r.db.NewUpdate().
			Model((*Entity)(nil)).
			Set("embedding = NULL").
			Where("entity_pk = ?", entityPK).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("clear entity embedding: %w", err)
		}
		return nil
	}
	_, err := r.db.NewUpdate().
		Model((*Entity)(nil)).
		Set("embedding = ?::vector", pgutils.FormatVector(vec)).
		Where("entity_pk = ?", entityPK).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update entity embedding: %w", err)
	}
	return nil
}

// HasEmbedding reports whether the entity has a stored embedding.
func (r *Repository) HasEmbedding(ctx context.Context, entityPK int64) (bool, error) {
	var has bool
	err := r.db.NewRaw(
		"SELECT embedding IS NOT NULL FROM entities WHERE entity_pk = ?", entityPK,
	).Scan(ctx, &has)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check entity embedding: %w", err)
	}
	return has, nil
}

// DeleteRelationshipsForDocument removes entity relationships that were
// observed in the given document.
func (r *Repository) DeleteRelationshipsForDocument(ctx context.Context, docID string) error {
	_, err := r.db.NewDelete().
		Model((*Relationship)(nil)).
		Where("metadata->>'doc_id' = ?", docID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete entity relationships: %w", err)
	}
	return nil
}

// InsertRelationships stores entity relationships, skipping edges that
// already exist.
func (r *Repository) InsertRelationships(ctx context.Context, rels []Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	_, err := r.db.NewInsert().
		Model(&rels).
		On("CONFLICT (source_entity_pk, target_entity_pk, relationship_type) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert entity relationships: %w", err)
	}
	return nil
}

// ListRelationships returns every relationship touching the entity.
func (r *Repository) ListRelationships(ctx context.Context, entityPK int64) ([]Relationship, error) {
	var rels []Relationship
	err := r.db.NewSelect().
		Model(&rels).
		Where("source_entity_pk = ? OR target_entity_pk = ?", entityPK, entityPK).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entity relationships: %w", err)
	}
	return rels, nil
}

// jsonbArg renders a map as a JSON literal for binding into a jsonb
// column. nil maps become empty objects to satisfy NOT NULL columns.
func jsonbArg(v map[string]any) string {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
