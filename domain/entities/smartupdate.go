package entities

import (
	"context"
	"fmt"
	"log/slog"
)

// Draft is one extracted entity with the elements it was found in,
// before persistence. Drafts are what the ontology extractor hands to
// SmartUpdate.
type Draft struct {
	EntityType string
	Name       string
	Domain     string
	Attributes map[string]any
	Mentions   []Mention
}

// Mention records one element the entity was extracted from.
type Mention struct {
	ElementID  string
	Confidence float64
	Rule       string
}

// EntityID returns the draft's normalized identity.
func (d *Draft) EntityID() string {
	return NormalizeEntityID(d.EntityType, d.Name)
}

// RelationshipDraft is an entity relationship by entity id, before the
// ids are resolved to persisted rows.
type RelationshipDraft struct {
	SourceEntityID string
	TargetEntityID string
	Type           string
	Confidence     float64
}

// UpdateCounts reports what a smart update did. Preserved entities were
// not touched at all, keeping their stored embeddings. Unlinked
// entities lost this document's mappings but survive because other
// documents still reference them.
type UpdateCounts struct {
	Preserved int `json:"preserved"`
	Updated   int `json:"updated"`
	Created   int `json:"created"`
	Deleted   int `json:"deleted"`
	Unlinked  int `json:"unlinked"`
}

// ApplyParams is the input to SmartUpdate for one document.
type ApplyParams struct {
	DocID  string
	Domain string
	Drafts []Draft
	// Relationships are the document's entity relationship drafts,
	// referenced by entity id.
	Relationships []RelationshipDraft
	// ElementPKs maps element ids to the primary keys assigned when the
	// document's elements were (re)inserted in the same transaction.
	ElementPKs map[string]int64
}

// ApplyResult is the outcome of a smart update.
type ApplyResult struct {
	Counts UpdateCounts
	// Entities maps entity id to the persisted row for everything that
	// is mapped from this document after the update.
	Entities map[string]*Entity
	// EmbedTargets are the entities whose content changed this ingest
	// (created or updated); their embeddings must be refreshed.
	// Preserved entities are deliberately absent.
	EmbedTargets []*Entity
}

// diff buckets the old and new entity sets of one document.
type diff struct {
	preserved  []Entity
	modified   []modification
	created    []Draft
	candidates []Entity // old entities no longer extracted
}

type modification struct {
	old   Entity
	draft Draft
}

// classify compares the entities currently derived from a document with
// the freshly extracted set. Identity is the normalized entity id;
// equality of attribute maps decides preserved versus modified.
func classify(old []Entity, drafts []Draft) diff {
	var d diff
	oldByID := make(map[string]Entity, len(old))
	for _, e := range old {
		oldByID[e.EntityID] = e
	}

	seen := make(map[string]bool, len(drafts))
	for _, draft := range drafts {
		id := draft.EntityID()
		if seen[id] {
			continue
		}
		seen[id] = true

		existing, ok := oldByID[id]
		if !ok {
			d.created = append(d.created, draft)
			continue
		}
		if existing.AttributesEqual(draft.Attributes) && existing.Name == draft.Name {
			d.preserved = append(d.preserved, existing)
		} else {
			d.modified = append(d.modified, modification{old: existing, draft: draft})
		}
	}

	for _, e := range old {
		if !seen[e.EntityID] {
			d.candidates = append(d.candidates, e)
		}
	}
	return d
}

// SmartUpdate reconciles a document's extracted entities with what is
// already stored, inside the caller's transaction. Unchanged entities
// are not written at all, so their embeddings survive re-ingests.
// Entities that disappeared from the document are deleted only when no
// other document still maps them.
func (r *Repository) SmartUpdate(ctx context.Context, params ApplyParams) (*ApplyResult, error) {
	old, err := r.ListByDocument(ctx, params.DocID)
	if err != nil {
		return nil, err
	}
	d := classify(old, params.Drafts)

	// Mappings and document-scoped relationships are replaced
	// wholesale; the per-entity work below only touches entity rows.
	if err := r.deleteMappingsForDocument(ctx, params.DocID); err != nil {
		return nil, err
	}
	if err := r.DeleteRelationshipsForDocument(ctx, params.DocID); err != nil {
		return nil, err
	}

	result := &ApplyResult{
		Entities: make(map[string]*Entity, len(params.Drafts)),
	}
	result.Counts.Preserved = len(d.preserved)

	drafts := make(map[string]Draft, len(params.Drafts))
	for _, draft := range params.Drafts {
		if _, ok := drafts[draft.EntityID()]; !ok {
			drafts[draft.EntityID()] = draft
		}
	}

	for i := range d.preserved {
		e := d.preserved[i]
		result.Entities[e.EntityID] = &e
	}

	for _, m := range d.modified {
		if err := r.updateEntity(ctx, m.old.EntityPK, m.draft.Name, m.draft.Attributes); err != nil {
			return nil, err
		}
		updated := m.old
		updated.Name = m.draft.Name
		updated.Attributes = m.draft.Attributes
		result.Entities[updated.EntityID] = &updated
		result.EmbedTargets = append(result.EmbedTargets, &updated)
		result.Counts.Updated++
	}

	for _, draft := range d.created {
		entity := &Entity{
			EntityID:   draft.EntityID(),
			EntityType: draft.EntityType,
			Name:       draft.Name,
			Domain:     defaultDomain(draft.Domain, params.Domain),
			Attributes: draft.Attributes,
		}
		if err := r.upsertByEntityID(ctx, entity); err != nil {
			return nil, err
		}
		result.Entities[entity.EntityID] = entity
		result.EmbedTargets = append(result.EmbedTargets, entity)
		result.Counts.Created++
	}

	// With this document's mappings gone, any mapping still counted
	// belongs to another document: those entities are merely unlinked.
	if len(d.candidates) > 0 {
		pks := make([]int64, len(d.candidates))
		for i, e := range d.candidates {
			pks[i] = e.EntityPK
		}
		counts, err := r.mappingCounts(ctx, pks)
		if err != nil {
			return nil, err
		}

		var orphaned []int64
		for _, e := range d.candidates {
			if counts[e.EntityPK] == 0 {
				orphaned = append(orphaned, e.EntityPK)
			} else {
				result.Counts.Unlinked++
			}
		}
		deleted, err := r.deleteEntities(ctx, orphaned)
		if err != nil {
			return nil, err
		}
		result.Counts.Deleted = deleted
	}

	// Fresh mappings for everything the document now references.
	var mappings []Mapping
	for id, entity := range result.Entities {
		draft, ok := drafts[id]
		if !ok {
			continue
		}
		for _, mention := range draft.Mentions {
			elementPK, ok := params.ElementPKs[mention.ElementID]
			if !ok {
				return nil, fmt.Errorf("mention references unknown element %s", mention.ElementID)
			}
			mappings = append(mappings, Mapping{
				ElementPK:        elementPK,
				EntityPK:         entity.EntityPK,
				DocID:            params.DocID,
				RelationshipType: RelDerivedFrom,
				Domain:           entity.Domain,
				Confidence:       mention.Confidence,
				Rule:             mention.Rule,
			})
		}
	}
	if err := r.insertMappings(ctx, mappings); err != nil {
		return nil, err
	}

	if err := r.applyRelationships(ctx, params, result); err != nil {
		return nil, err
	}

	r.log.Info("smart update applied",
		slog.String("doc_id", params.DocID),
		slog.Int("preserved", result.Counts.Preserved),
		slog.Int("updated", result.Counts.Updated),
		slog.Int("created", result.Counts.Created),
		slog.Int("deleted", result.Counts.Deleted),
		slog.Int("unlinked", result.Counts.Unlinked))
	return result, nil
}

func (r *Repository) applyRelationships(ctx context.Context, params ApplyParams, result *ApplyResult) error {
	if len(params.Relationships) == 0 {
		return nil
	}

	rels := make([]Relationship, 0, len(params.Relationships))
	for _, draft := range params.Relationships {
		source, ok := result.Entities[draft.SourceEntityID]
		if !ok {
			return fmt.Errorf("relationship references unknown entity %s", draft.SourceEntityID)
		}
		target, ok := result.Entities[draft.TargetEntityID]
		if !ok {
			return fmt.Errorf("relationship references unknown entity %s", draft.TargetEntityID)
		}
		rels = append(rels, Relationship{
			SourceEntityPK:   source.EntityPK,
			TargetEntityPK:   target.EntityPK,
			RelationshipType: draft.Type,
			Confidence:       draft.Confidence,
			Metadata:         map[string]any{"doc_id": params.DocID},
		})
	}
	return r.InsertRelationships(ctx, rels)
}

func defaultDomain(domain, fallback string) string {
	if domain != "" {
		return domain
	}
	if fallback != "" {
		return fallback
	}
	return "default"
}
