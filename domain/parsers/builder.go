package parsers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/docmesh/docmesh/domain/documents"
)

// HashBytes returns the hex sha256 of raw bytes. Documents and elements
// hash with the same function so change detection compares like with
// like.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// treeBuilder accumulates the element tree for one document and derives
// the ordering fields and structural relationships every parser owes
// its callers. Element IDs are "<docID>#<position>" with the root at
// position 0, so IDs are reproducible from the same input.
type treeBuilder struct {
	docID    string
	docType  string
	elements []documents.Element
	children map[string][]int // parent element_id -> element indexes in order
	links    []documents.Relationship
	seenLink map[string]bool // element_id + "\x00" + url
	docMeta  map[string]any
}

func newTreeBuilder(docID, docType string, content []byte) *treeBuilder {
	b := &treeBuilder{
		docID:    docID,
		docType:  docType,
		children: make(map[string][]int),
		seenLink: make(map[string]bool),
	}
	root := documents.Element{
		ElementID:        b.elementID(0),
		DocID:            docID,
		ParentID:         nil,
		ElementType:      documents.ElementRoot,
		ContentHash:      HashBytes(content),
		ElementOrder:     0,
		DocumentPosition: 0,
	}
	b.elements = append(b.elements, root)
	return b
}

func (b *treeBuilder) elementID(position int) string {
	return fmt.Sprintf("%s#%04d", b.docID, position)
}

// Root returns the root element's ID.
func (b *treeBuilder) Root() string {
	return b.elements[0].ElementID
}

// Add appends an element under parentID and returns its ID. Ordering
// fields are assigned from emission order: parsers emit depth-first in
// source order, which makes document_position a stable total order.
func (b *treeBuilder) Add(parentID, elementType, text string, metadata, location map[string]any) string {
	position := len(b.elements)
	id := b.elementID(position)
	parent := parentID
	el := documents.Element{
		ElementID:        id,
		DocID:            b.docID,
		ParentID:         &parent,
		ElementType:      elementType,
		ContentPreview:   documents.TruncatePreview(text),
		ContentLocation:  location,
		ContentHash:      HashBytes([]byte(text)),
		Text:             text,
		ElementOrder:     len(b.children[parentID]),
		DocumentPosition: position,
		Metadata:         metadata,
	}
	b.elements = append(b.elements, el)
	b.children[parentID] = append(b.children[parentID], position)
	return id
}

// Link records an outbound link edge from an element. The target stays
// raw (URL or relative path); link discovery resolves it to a document
// later. Duplicate links from the same element collapse.
func (b *treeBuilder) Link(fromID, target string, metadata map[string]any) {
	key := fromID + "\x00" + target
	if b.seenLink[key] {
		return
	}
	b.seenLink[key] = true
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["url"] = target
	b.links = append(b.links, documents.Relationship{
		DocID:            b.docID,
		SourceID:         fromID,
		TargetID:         target,
		RelationshipType: documents.RelLink,
		Metadata:         metadata,
	})
}

// SetDocMeta records parser-discovered document metadata (title, front
// matter). Fetch metadata is merged over it by the processor.
func (b *treeBuilder) SetDocMeta(key string, value any) {
	if b.docMeta == nil {
		b.docMeta = map[string]any{}
	}
	b.docMeta[key] = value
}

// Build assembles the final parse result: the document row, the element
// list in document_position order, and the structural edges (contains
// per child, next_sibling between adjacent siblings) followed by any
// recorded link edges.
func (b *treeBuilder) Build() *documents.ParsedDocument {
	rels := make([]documents.Relationship, 0, len(b.elements)*2+len(b.links))
	for i := range b.elements {
		parentID := b.elements[i].ElementID
		kids := b.children[parentID]
		for j, idx := range kids {
			rels = append(rels, documents.Relationship{
				DocID:            b.docID,
				SourceID:         parentID,
				TargetID:         b.elements[idx].ElementID,
				RelationshipType: documents.RelContains,
			})
			if j > 0 {
				rels = append(rels, documents.Relationship{
					DocID:            b.docID,
					SourceID:         b.elements[kids[j-1]].ElementID,
					TargetID:         b.elements[idx].ElementID,
					RelationshipType: documents.RelNextSibling,
				})
			}
		}
	}
	rels = append(rels, b.links...)

	return &documents.ParsedDocument{
		Document: &documents.Document{
			DocID:       b.docID,
			DocType:     b.docType,
			ContentHash: b.elements[0].ContentHash,
			Metadata:    b.docMeta,
		},
		Elements:      b.elements,
		Relationships: rels,
	}
}
