// Package parsers turns raw document bytes into the canonical element
// tree and relationship list the pipeline persists. Parsers are pure:
// identical input bytes produce identical output, including element IDs
// and ordering, so content hashes and smart update stay stable across
// processes.
package parsers

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/docmesh/docmesh/domain/documents"
)

// Doc types produced by the reference parsers.
const (
	DocTypeText     = "text"
	DocTypeMarkdown = "markdown"
	DocTypeJSON     = "json"
)

// Parser converts one document's bytes into parsed structure.
//
// Implementations must be deterministic and safe for concurrent use;
// worker threads share one registry. Output obligations: exactly one
// root element (nil ParentID), strict document_position total order,
// per-parent element_order, and structural relationship endpoints that
// exist in the returned element set.
type Parser interface {
	// DocType returns the format tag recorded on documents this parser
	// produces.
	DocType() string

	// Extensions lists the file extensions (without dot, lowercase)
	// this parser claims.
	Extensions() []string

	// Parse builds the element tree. The returned document carries
	// DocType and ContentHash; the caller fills in source and fetch
	// metadata.
	Parse(docID string, content []byte) (*documents.ParsedDocument, error)
}

// Registry dispatches documents to parsers by file extension with a
// content-type fallback for extension-less paths (URLs, mostly).
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]Parser
	byExt    map[string]Parser
	fallback Parser
}

// NewRegistry builds a registry with the reference parsers registered.
// Plain text is the fallback: every document parses into at least a
// flat paragraph list.
func NewRegistry() *Registry {
	r := &Registry{
		byType: make(map[string]Parser),
		byExt:  make(map[string]Parser),
	}
	text := NewText()
	// Registration cannot collide here; the three parsers claim
	// disjoint type names and extensions.
	_ = r.Register(text)
	_ = r.Register(NewMarkdown())
	_ = r.Register(NewJSON())
	r.fallback = text
	return r
}

// Register adds a parser. Type names and claimed extensions are unique.
func (r *Registry) Register(p Parser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[p.DocType()]; exists {
		return fmt.Errorf("parser for doc type %q already registered", p.DocType())
	}
	for _, ext := range p.Extensions() {
		if owner, exists := r.byExt[ext]; exists {
			return fmt.Errorf("extension %q already claimed by %q", ext, owner.DocType())
		}
	}
	r.byType[p.DocType()] = p
	for _, ext := range p.Extensions() {
		r.byExt[ext] = p
	}
	return nil
}

// Get returns the parser for a doc type.
func (r *Registry) Get(docType string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byType[docType]
	return p, ok
}

// ForDocument picks the parser for a document path. The extension wins
// when it is claimed (a .md file served as text/plain is still
// markdown); otherwise the fetch metadata's content_type decides;
// otherwise the fallback.
func (r *Registry) ForDocument(docPath string, metadata map[string]any) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ext := pathExtension(docPath); ext != "" {
		if p, ok := r.byExt[ext]; ok {
			return p
		}
	}
	if ct, ok := metadata["content_type"].(string); ok {
		if dt := docTypeForContentType(ct); dt != "" {
			if p, ok := r.byType[dt]; ok {
				return p
			}
		}
	}
	return r.fallback
}

// DocTypeForPath maps a path or URL to the doc type its extension
// implies, falling back to plain text.
func DocTypeForPath(docPath string) string {
	switch pathExtension(docPath) {
	case "md", "markdown":
		return DocTypeMarkdown
	case "json":
		return DocTypeJSON
	default:
		return DocTypeText
	}
}

// pathExtension extracts the lowercase extension without the dot. URL
// queries and fragments do not count as part of the extension.
func pathExtension(docPath string) string {
	if strings.Contains(docPath, "://") {
		if u, err := url.Parse(docPath); err == nil {
			docPath = u.Path
		}
	}
	ext := path.Ext(docPath)
	if ext == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// docTypeForContentType maps a MIME type to a doc type, empty when the
// type carries no parser hint.
func docTypeForContentType(ct string) string {
	mt := strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return DocTypeJSON
	case mt == "text/markdown":
		return DocTypeMarkdown
	case strings.HasPrefix(mt, "text/"):
		return DocTypeText
	default:
		return ""
	}
}
