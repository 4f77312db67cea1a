package entities

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// RelDerivedFrom is the mapping type linking an entity back to the
// element it was extracted from. Every persisted entity must keep at
// least one such mapping; an entity whose last mapping disappears is
// garbage-collected.
const RelDerivedFrom = "DERIVED_FROM"

// Entity is a domain concept extracted from document content. Its
// entity_id is derived from type and name, so the same concept found
// in different documents resolves to one row.
type Entity struct {
	bun.BaseModel `bun:"table:entities,alias:ent"`

	EntityPK   int64          `bun:"entity_pk,pk,autoincrement" json:"entity_pk"`
	EntityID   string         `bun:"entity_id,notnull" json:"entity_id"`
	EntityType string         `bun:"entity_type,notnull" json:"entity_type"`
	Name       string         `bun:"name,notnull" json:"name"`
	Domain     string         `bun:"domain,notnull,default:'default'" json:"domain"`
	Attributes map[string]any `bun:"attributes,type:jsonb" json:"attributes,omitempty"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:now()" json:"created_at"`
	UpdatedAt  time.Time      `bun:"updated_at,nullzero,notnull,default:now()" json:"updated_at"`
}

// AttributesEqual compares attribute maps by canonical JSON so that
// values loaded from the database (json types) compare equal to values
// freshly produced by extraction.
func (e *Entity) AttributesEqual(other map[string]any) bool {
	return canonicalAttributes(e.Attributes) == canonicalAttributes(other)
}

func canonicalAttributes(attrs map[string]any) string {
	if len(attrs) == 0 {
		return "{}"
	}
	// json.Marshal sorts map keys, which is all the canonicalization
	// attribute maps need.
	b, err := json.Marshal(attrs)
	if err != nil {
		return ""
	}
	return string(b)
}

// Mapping links an entity to the element it was derived from.
type Mapping struct {
	bun.BaseModel `bun:"table:element_entity_mappings,alias:m"`

	MappingPK        int64     `bun:"mapping_pk,pk,autoincrement" json:"mapping_pk"`
	ElementPK        int64     `bun:"element_pk,notnull" json:"element_pk"`
	EntityPK         int64     `bun:"entity_pk,notnull" json:"entity_pk"`
	DocID            string    `bun:"doc_id,notnull" json:"doc_id"`
	RelationshipType string    `bun:"relationship_type,notnull,default:'DERIVED_FROM'" json:"relationship_type"`
	Domain           string    `bun:"domain,notnull,default:'default'" json:"domain"`
	Confidence       float64   `bun:"confidence,notnull,default:1.0" json:"confidence"`
	Rule             string    `bun:"rule,notnull,default:''" json:"rule,omitempty"`
	CreatedAt        time.Time `bun:"created_at,nullzero,notnull,default:now()" json:"created_at"`
}

// Relationship is a typed edge between two entities, produced by
// ontology relationship rules or by semantic similarity detection.
// Metadata records the document in which the relationship was observed.
type Relationship struct {
	bun.BaseModel `bun:"table:entity_relationships,alias:er"`

	ID               int64          `bun:"id,pk,autoincrement" json:"id"`
	SourceEntityPK   int64          `bun:"source_entity_pk,notnull" json:"source_entity_pk"`
	TargetEntityPK   int64          `bun:"target_entity_pk,notnull" json:"target_entity_pk"`
	RelationshipType string         `bun:"relationship_type,notnull" json:"relationship_type"`
	Confidence       float64        `bun:"confidence,notnull,default:0" json:"confidence"`
	Metadata         map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time      `bun:"created_at,nullzero,notnull,default:now()" json:"created_at"`
}

// NormalizeEntityID derives the stable identity for an extracted
// concept: the entity type joined with a slug of the name. "CPU Load"
// and "cpu load" are the same entity; "metric:cpu-load" either way.
func NormalizeEntityID(entityType, name string) string {
	return strings.ToLower(strings.TrimSpace(entityType)) + ":" + Slug(name)
}

// Slug lowercases a name and collapses every run of non-alphanumeric
// characters into a single hyphen.
func Slug(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
