package sources

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/internal/version"
	"github.com/docmesh/docmesh/pkg/logger"
)

// maxFetchBytes caps a single HTTP document. A misconfigured URL
// pointing at a large binary must not take down a worker.
const maxFetchBytes = 32 << 20

// HTTP serves an explicit list of URLs, optionally expanding through
// links into allow_prefixes scope. Doc IDs carry the full URL.
type HTTP struct {
	name          string
	urls          []string
	allowPrefixes []string
	follow        bool
	client        *http.Client
	log           *slog.Logger
}

// NewHTTP validates the configured URLs up front. follow_links without
// allow_prefixes is legal but inert, which deserves a warning rather
// than silent no-op link discovery.
func NewHTTP(spec *config.SourceSpec, log *slog.Logger) (*HTTP, error) {
	for _, raw := range spec.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("url %q: scheme must be http or https", raw)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("url %q: missing host", raw)
		}
	}
	for _, p := range spec.AllowPrefixes {
		u, err := url.Parse(p)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid allow_prefix %q", p)
		}
	}
	scoped := log.With(logger.Scope("sources.http"), slog.String("source", spec.Name))
	if spec.FollowLinks && len(spec.AllowPrefixes) == 0 {
		scoped.Warn("follow_links enabled without allow_prefixes; discovered links will not resolve")
	}
	return &HTTP{
		name:          spec.Name,
		urls:          spec.URLs,
		allowPrefixes: spec.AllowPrefixes,
		follow:        spec.FollowLinks,
		client:        &http.Client{Timeout: 60 * time.Second},
		log:           scoped,
	}, nil
}

func (s *HTTP) Name() string      { return s.name }
func (s *HTTP) Type() string      { return config.SourceHTTP }
func (s *HTTP) FollowLinks() bool { return s.follow }

func (s *HTTP) List(ctx context.Context) ([]DocumentRef, error) {
	refs := make([]DocumentRef, 0, len(s.urls))
	for _, u := range s.urls {
		refs = append(refs, DocumentRef{
			DocID:    DocID(s.name, u),
			Metadata: map[string]any{"url": u},
		})
	}
	return refs, nil
}

func (s *HTTP) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	target, err := s.docURL(docID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", target, err)
	}
	req.Header.Set("User-Agent", "docmesh/"+version.Version)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%s: http %d: %w", target, resp.StatusCode, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("fetching %s: http %d", target, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", target, err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("%s: response exceeds %d bytes", target, maxFetchBytes)
	}

	md := map[string]any{
		"url":  target,
		"size": int64(len(data)),
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		md["content_type"] = ct
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		md["etag"] = strings.Trim(etag, `"`)
	}
	if lm, perr := http.ParseTime(resp.Header.Get("Last-Modified")); perr == nil {
		md["modified_at"] = lm.UTC().Format(time.RFC3339)
	}
	return &FetchResult{
		Content:   data,
		SourceURI: target,
		Metadata:  md,
	}, nil
}

// HasChanged issues a HEAD and compares Last-Modified. Servers that
// omit the header, and transport failures, report changed so the
// content hash makes the final call.
func (s *HTTP) HasChanged(ctx context.Context, docID string, since time.Time) (bool, error) {
	if since.IsZero() {
		return true, nil
	}
	target, err := s.docURL(docID)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return true, nil
	}
	req.Header.Set("User-Agent", "docmesh/"+version.Version)
	resp, err := s.client.Do(req)
	if err != nil {
		return true, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return true, nil
	}
	lm, perr := http.ParseTime(resp.Header.Get("Last-Modified"))
	if perr != nil {
		return true, nil
	}
	return lm.After(since), nil
}

// ResolveLink joins the target against the linking page's URL and
// admits the result only inside allow_prefixes. No existence check:
// probing every link with a HEAD would hammer remote servers, and a
// dead link surfaces as a permanent fetch failure with full context.
func (s *HTTP) ResolveLink(ctx context.Context, fromDocID, target string) (string, bool) {
	if target == "" || len(s.allowPrefixes) == 0 {
		return "", false
	}
	_, fromURL, ok := SplitDocID(fromDocID)
	if !ok {
		return "", false
	}
	base, err := url.Parse(fromURL)
	if err != nil || base.Host == "" {
		// Absolute targets can still resolve without a usable base.
		base = nil
	}
	ref, err := url.Parse(target)
	if err != nil {
		return "", false
	}
	var joined *url.URL
	switch {
	case ref.IsAbs():
		joined = ref
	case base != nil:
		joined = base.ResolveReference(ref)
	default:
		return "", false
	}
	joined.Fragment = ""
	if joined.Scheme != "http" && joined.Scheme != "https" {
		return "", false
	}
	resolved := joined.String()
	if !s.inScope(resolved) {
		return "", false
	}
	return DocID(s.name, resolved), true
}

// docURL validates a doc ID minted by this source and returns the URL.
// IDs outside the configured URL list and allow_prefixes are treated as
// not found: a queue entry cannot widen the source's scope.
func (s *HTTP) docURL(docID string) (string, error) {
	name, raw, ok := SplitDocID(docID)
	if !ok || name != s.name {
		return "", fmt.Errorf("doc id %q does not belong to source %q", docID, s.name)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("doc id %q: invalid url", docID)
	}
	if !s.inScope(raw) {
		return "", fmt.Errorf("%s: outside configured scope: %w", raw, ErrNotFound)
	}
	return raw, nil
}

func (s *HTTP) inScope(raw string) bool {
	for _, u := range s.urls {
		if raw == u {
			return true
		}
	}
	for _, p := range s.allowPrefixes {
		if strings.HasPrefix(raw, p) {
			return true
		}
	}
	return false
}
