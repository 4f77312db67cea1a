package sources

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound marks a document the source can no longer produce.
// Retrying a deleted file cannot succeed, so the processor classifies
// this as permanent.
var ErrNotFound = errors.New("document not found")

// DocumentRef is one discoverable document in a source listing.
type DocumentRef struct {
	DocID    string
	Metadata map[string]any
}

// FetchResult is the raw material the parsing pipeline consumes.
type FetchResult struct {
	// Content is the raw document bytes.
	Content []byte

	// SourceURI identifies where the bytes came from
	// (file://, s3://, http://...). Stored on the document row.
	SourceURI string

	// Metadata travels onto the stored document row.
	Metadata map[string]any

	// BinaryPath optionally points at an on-disk copy for parsers that
	// need seekable access. Empty when Content is authoritative.
	BinaryPath string
}

// Source is a named producer of documents. Implementations must be safe
// for concurrent use: all worker threads in a process share them.
type Source interface {
	// Name returns the source's run-config name.
	Name() string

	// Type returns the adapter type (filesystem, s3, http).
	Type() string

	// List enumerates every document currently visible in the source.
	List(ctx context.Context) ([]DocumentRef, error)

	// Fetch produces the bytes and metadata for a doc ID minted by this
	// source. A missing document wraps ErrNotFound.
	Fetch(ctx context.Context, docID string) (*FetchResult, error)

	// HasChanged reports whether the document changed after since. A
	// zero since always reports true; sources that cannot answer
	// cheaply report true and let the content hash decide.
	HasChanged(ctx context.Context, docID string, since time.Time) (bool, error)

	// FollowLinks reports whether link discovery is enabled for
	// documents from this source.
	FollowLinks() bool
}

// LinkResolver is implemented by sources that can translate a raw link
// target found inside one of their documents into a doc ID.
type LinkResolver interface {
	// ResolveLink maps a link target (href or relative path) found in
	// fromDocID to a doc ID within this source's scope. Returns false
	// when the target is outside the source or does not exist.
	ResolveLink(ctx context.Context, fromDocID, target string) (string, bool)
}

// DocID builds the globally unique document ID for a path within a
// named source. IDs are "name:path" so every subsystem can recover the
// owning source without a lookup.
func DocID(source, path string) string {
	return source + ":" + path
}

// SplitDocID splits a doc ID into its source name and path. Paths may
// themselves contain colons (URLs do); only the first colon separates.
func SplitDocID(docID string) (source, path string, ok bool) {
	source, path, ok = strings.Cut(docID, ":")
	if !ok || source == "" || path == "" {
		return "", "", false
	}
	return source, path, true
}
