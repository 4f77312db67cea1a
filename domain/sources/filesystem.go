package sources

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/logger"
)

// Filesystem serves documents from a directory tree. Doc IDs carry the
// slash-separated path relative to the root, so the same tree checked
// out on two machines mints identical IDs.
type Filesystem struct {
	name    string
	root    string
	include []string
	exclude []string
	follow  bool
	log     *slog.Logger
}

// NewFilesystem validates the root directory and the include/exclude
// patterns up front so a bad config fails at startup, not mid-run.
func NewFilesystem(spec *config.SourceSpec, log *slog.Logger) (*Filesystem, error) {
	root, err := filepath.Abs(spec.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %q: %w", spec.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root %q: %w", spec.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", spec.Root)
	}
	for _, pat := range append(append([]string{}, spec.Include...), spec.Exclude...) {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid glob pattern %q", pat)
		}
	}
	return &Filesystem{
		name:    spec.Name,
		root:    root,
		include: spec.Include,
		exclude: spec.Exclude,
		follow:  spec.FollowLinks,
		log:     log.With(logger.Scope("sources.filesystem"), slog.String("source", spec.Name)),
	}, nil
}

func (s *Filesystem) Name() string      { return s.name }
func (s *Filesystem) Type() string      { return config.SourceFilesystem }
func (s *Filesystem) FollowLinks() bool { return s.follow }

// List walks the root and returns every file passing the include and
// exclude filters. Unreadable subtrees are logged and skipped; a
// partially unreadable source should not abort discovery of the rest.
func (s *Filesystem) List(ctx context.Context) ([]DocumentRef, error) {
	var refs []DocumentRef
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.Warn("walk error", slog.String("path", p), logger.Error(err))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, rerr := filepath.Rel(s.root, p)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && s.excludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.selected(rel) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		refs = append(refs, DocumentRef{
			DocID:    DocID(s.name, rel),
			Metadata: fileMetadata(rel, info),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.root, err)
	}
	return refs, nil
}

func (s *Filesystem) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	abs, rel, err := s.resolvePath(docID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", docID, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	md := map[string]any{"path": rel}
	if info, serr := os.Stat(abs); serr == nil {
		md = fileMetadata(rel, info)
	}
	return &FetchResult{
		Content:    data,
		SourceURI:  "file://" + filepath.ToSlash(abs),
		Metadata:   md,
		BinaryPath: abs,
	}, nil
}

// HasChanged compares the file's mtime against since. A vanished file
// reports changed so the pipeline proceeds to Fetch, which surfaces the
// not-found as a permanent failure.
func (s *Filesystem) HasChanged(ctx context.Context, docID string, since time.Time) (bool, error) {
	if since.IsZero() {
		return true, nil
	}
	abs, _, err := s.resolvePath(docID)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return true, nil
	}
	return info.ModTime().After(since), nil
}

// ResolveLink maps a relative link found in fromDocID onto a file under
// the root. Absolute paths and URLs belong to other sources. The target
// must exist and not be excluded; the include filter deliberately does
// not apply, since an explicit link is a stronger signal than a listing
// glob.
func (s *Filesystem) ResolveLink(ctx context.Context, fromDocID, target string) (string, bool) {
	if target == "" || strings.Contains(target, "://") || strings.HasPrefix(target, "/") {
		return "", false
	}
	if u, err := url.Parse(target); err == nil {
		target = u.Path // strip ?query and #fragment
	}
	if target == "" {
		return "", false
	}
	_, fromRel, ok := SplitDocID(fromDocID)
	if !ok {
		return "", false
	}
	rel := path.Join(path.Dir(fromRel), target)
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", false
	}
	if s.excluded(rel) {
		return "", false
	}
	info, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil || info.IsDir() {
		return "", false
	}
	return DocID(s.name, rel), true
}

// resolvePath validates a doc ID minted by this source and returns the
// absolute and relative paths. IDs that escape the root are rejected
// regardless of where they came from.
func (s *Filesystem) resolvePath(docID string) (abs, rel string, err error) {
	name, rel, ok := SplitDocID(docID)
	if !ok || name != s.name {
		return "", "", fmt.Errorf("doc id %q does not belong to source %q", docID, s.name)
	}
	rel = path.Clean(rel)
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", "", fmt.Errorf("doc id %q escapes source root", docID)
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), rel, nil
}

func (s *Filesystem) selected(rel string) bool {
	if s.excluded(rel) {
		return false
	}
	if len(s.include) == 0 {
		return true
	}
	for _, pat := range s.include {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func (s *Filesystem) excluded(rel string) bool {
	for _, pat := range s.exclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// excludedDir prunes walk subtrees. Besides direct matches, a pattern
// like "vendor/**" prunes the vendor directory itself.
func (s *Filesystem) excludedDir(rel string) bool {
	for _, pat := range s.exclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
		if prefix, found := strings.CutSuffix(pat, "/**"); found {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
				return true
			}
		}
	}
	return false
}

func fileMetadata(rel string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"path":        rel,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
	}
}
