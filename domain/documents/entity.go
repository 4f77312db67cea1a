package documents

import (
	"time"

	"github.com/uptrace/bun"
)

// Element types form a closed tag set. Parsers must not invent new ones:
// downstream priority scoring and ontology element_types filters match on
// these strings.
const (
	ElementRoot      = "root"
	ElementBody      = "body"
	ElementHeader    = "header"
	ElementParagraph = "paragraph"
	ElementList      = "list"
	ElementListItem  = "list_item"
	ElementTable     = "table"
	ElementTableRow  = "table_row"
	ElementTableCell = "table_cell"
	ElementCodeBlock = "code_block"
	ElementTextBlock = "text_block"
	ElementImage     = "image"
	ElementFootnote  = "footnote"
	ElementComment   = "comment"
)

// Relationship types. Structural edges are emitted by parsers, link edges
// by link discovery, semantic edges by post-parse analysis.
const (
	RelContains    = "contains"
	RelContainedBy = "contained_by"
	RelNextSibling = "next_sibling"
	RelLink        = "link"
	RelSemantic    = "semantic_similarity"
)

// MetaCrossDocument marks a relationship whose endpoints live in different
// documents.
const MetaCrossDocument = "cross_document"

// PreviewMaxChars bounds content_preview so scans stay cheap. Full content
// is resolved through content_location instead.
const PreviewMaxChars = 512

// Document represents one ingested document from the documents table
type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`

	DocID       string `bun:"doc_id,pk" json:"docId"`
	DocType     string `bun:"doc_type,notnull" json:"docType"`
	Source      string `bun:"source,notnull" json:"source"`
	ContentHash string `bun:"content_hash,notnull" json:"contentHash"`

	Metadata map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`

	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:now()" json:"createdAt"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:now()" json:"updatedAt"`
	LastIngestedAt *time.Time `bun:"last_ingested_at" json:"lastIngestedAt,omitempty"`

	// Computed fields (populated via subquery, not stored)
	ElementCount int `bun:"element_count,scanonly" json:"elementCount"`
}

// Element is one node of a document's structure tree.
//
// ElementID is the stable string identity used as relationship endpoint;
// ElementPK is the storage integer used by element-entity mappings. The
// embedding column is vector(768) and handled via raw SQL for pgvector,
// so it is deliberately absent here.
type Element struct {
	bun.BaseModel `bun:"table:elements,alias:e"`

	ElementPK int64  `bun:"element_pk,pk,autoincrement" json:"elementPk"`
	ElementID string `bun:"element_id,notnull" json:"elementId"`
	DocID     string `bun:"doc_id,notnull" json:"docId"`

	// ParentID is nil exactly once per document (the root element).
	ParentID    *string `bun:"parent_id" json:"parentId,omitempty"`
	ElementType string  `bun:"element_type,notnull" json:"elementType"`

	ContentPreview  string         `bun:"content_preview,notnull" json:"contentPreview"`
	ContentLocation map[string]any `bun:"content_location,type:jsonb" json:"contentLocation,omitempty"`
	ContentHash     string         `bun:"content_hash,notnull" json:"contentHash"`

	// Text carries the full element text between parse and embed. It is
	// never stored: content_preview plus content_location are the durable
	// forms.
	Text string `bun:"-" json:"-"`

	// ElementOrder orders siblings sharing a parent; DocumentPosition is
	// the strict total order over the whole document.
	ElementOrder     int `bun:"element_order,notnull" json:"elementOrder"`
	DocumentPosition int `bun:"document_position,notnull" json:"documentPosition"`

	Metadata  map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:now()" json:"createdAt"`
}

// FullText returns the complete element text when the in-memory parse
// carried it, falling back to the stored preview for elements loaded
// from the database.
func (e *Element) FullText() string {
	if e.Text != "" {
		return e.Text
	}
	return e.ContentPreview
}

// Relationship is a directed edge between two element ids. Endpoints are
// not foreign keys: a link edge may point at a document that has not been
// ingested yet.
type Relationship struct {
	bun.BaseModel `bun:"table:relationships,alias:r"`

	RelationshipPK   int64  `bun:"relationship_pk,pk,autoincrement" json:"relationshipPk"`
	DocID            string `bun:"doc_id,notnull" json:"docId"`
	SourceID         string `bun:"source_id,notnull" json:"sourceId"`
	TargetID         string `bun:"target_id,notnull" json:"targetId"`
	RelationshipType string `bun:"relationship_type,notnull" json:"relationshipType"`

	Metadata  map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:now()" json:"createdAt"`
}

// IsCrossDocument reports whether the edge spans two documents.
func (r *Relationship) IsCrossDocument() bool {
	v, ok := r.Metadata[MetaCrossDocument]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// ParsedDocument bundles a parser's complete output for one document.
// Every element must have its ordering fields populated and every
// structural relationship's endpoints must exist in Elements.
type ParsedDocument struct {
	Document      *Document
	Elements      []Element
	Relationships []Relationship
}

// Root returns the tree root, or nil if the parser output is malformed.
func (p *ParsedDocument) Root() *Element {
	for i := range p.Elements {
		if p.Elements[i].ParentID == nil {
			return &p.Elements[i]
		}
	}
	return nil
}

// TruncatePreview bounds a preview string to PreviewMaxChars runes.
func TruncatePreview(s string) string {
	runes := []rune(s)
	if len(runes) <= PreviewMaxChars {
		return s
	}
	return string(runes[:PreviewMaxChars])
}
