package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDocIDRoundTrip(t *testing.T) {
	id := DocID("docs", "guides/setup.md")
	assert.Equal(t, "docs:guides/setup.md", id)

	source, path, ok := SplitDocID(id)
	require.True(t, ok)
	assert.Equal(t, "docs", source)
	assert.Equal(t, "guides/setup.md", path)

	// URLs keep their internal colons intact.
	source, path, ok = SplitDocID("web:https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, "web", source)
	assert.Equal(t, "https://example.com/a", path)

	for _, bad := range []string{"", "nocolon", ":path", "name:"} {
		_, _, ok := SplitDocID(bad)
		assert.False(t, ok, "expected %q to be rejected", bad)
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func newFilesystemSource(t *testing.T, spec config.SourceSpec) *Filesystem {
	t.Helper()
	src, err := NewFilesystem(&spec, testLogger())
	require.NoError(t, err)
	return src
}

func TestFilesystemList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/a.md", "# A")
	writeFile(t, root, "docs/sub/b.md", "# B")
	writeFile(t, root, "notes.txt", "plain")
	writeFile(t, root, "vendor/x.md", "# vendored")

	src := newFilesystemSource(t, config.SourceSpec{
		Name:    "fs",
		Type:    config.SourceFilesystem,
		Root:    root,
		Include: []string{"**/*.md"},
		Exclude: []string{"vendor/**"},
	})

	refs, err := src.List(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.DocID)
	}
	assert.Equal(t, []string{"fs:docs/a.md", "fs:docs/sub/b.md"}, ids)

	assert.Equal(t, "docs/a.md", refs[0].Metadata["path"])
	assert.Equal(t, int64(3), refs[0].Metadata["size"])
	assert.NotEmpty(t, refs[0].Metadata["modified_at"])
}

func TestFilesystemListWithoutIncludeTakesEverything(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "a")
	writeFile(t, root, "b.txt", "b")

	src := newFilesystemSource(t, config.SourceSpec{Name: "fs", Type: config.SourceFilesystem, Root: root})

	refs, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestFilesystemFetch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/a.md", "# Title\n\nbody")

	src := newFilesystemSource(t, config.SourceSpec{Name: "fs", Type: config.SourceFilesystem, Root: root})

	res, err := src.Fetch(context.Background(), "fs:docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody", string(res.Content))
	assert.Contains(t, res.SourceURI, "file://")
	assert.Contains(t, res.SourceURI, "docs/a.md")
	assert.Equal(t, "docs/a.md", res.Metadata["path"])
	assert.True(t, filepath.IsAbs(res.BinaryPath))
}

func TestFilesystemFetchMissingIsNotFound(t *testing.T) {
	src := newFilesystemSource(t, config.SourceSpec{Name: "fs", Type: config.SourceFilesystem, Root: t.TempDir()})

	_, err := src.Fetch(context.Background(), "fs:gone.md")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFilesystemFetchRejectsEscapes(t *testing.T) {
	src := newFilesystemSource(t, config.SourceSpec{Name: "fs", Type: config.SourceFilesystem, Root: t.TempDir()})

	for _, id := range []string{"fs:../outside.md", "fs:docs/../../etc/passwd", "other:docs/a.md"} {
		_, err := src.Fetch(context.Background(), id)
		require.Error(t, err, "expected %q to be rejected", id)
		assert.False(t, errors.Is(err, ErrNotFound))
	}
}

func TestFilesystemHasChanged(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.md", "a")
	src := newFilesystemSource(t, config.SourceSpec{Name: "fs", Type: config.SourceFilesystem, Root: root})
	ctx := context.Background()

	changed, err := src.HasChanged(ctx, "fs:a.md", time.Time{})
	require.NoError(t, err)
	assert.True(t, changed, "zero since always reports changed")

	changed, err = src.HasChanged(ctx, "fs:a.md", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = src.HasChanged(ctx, "fs:gone.md", time.Now())
	require.NoError(t, err)
	assert.True(t, changed, "vanished file reports changed so Fetch can classify it")
}

func TestFilesystemResolveLink(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "readme")
	writeFile(t, root, "docs/a.md", "a")
	writeFile(t, root, "docs/sub/b.md", "b")
	writeFile(t, root, "vendor/x.md", "x")

	src := newFilesystemSource(t, config.SourceSpec{
		Name:    "fs",
		Type:    config.SourceFilesystem,
		Root:    root,
		Include: []string{"docs/**"},
		Exclude: []string{"vendor/**"},
	})
	ctx := context.Background()

	id, ok := src.ResolveLink(ctx, "fs:docs/a.md", "sub/b.md")
	require.True(t, ok)
	assert.Equal(t, "fs:docs/sub/b.md", id)

	// Fragments and query strings are stripped.
	id, ok = src.ResolveLink(ctx, "fs:docs/a.md", "sub/b.md#section")
	require.True(t, ok)
	assert.Equal(t, "fs:docs/sub/b.md", id)

	// Links may leave the include scope but not the root.
	id, ok = src.ResolveLink(ctx, "fs:docs/a.md", "../README.md")
	require.True(t, ok)
	assert.Equal(t, "fs:README.md", id)

	for _, target := range []string{
		"../../outside.md",        // escapes root
		"/etc/passwd",             // absolute
		"https://example.com/doc", // different scheme
		"missing.md",              // does not exist
		"../vendor/x.md",          // excluded
	} {
		_, ok := src.ResolveLink(ctx, "fs:docs/a.md", target)
		assert.False(t, ok, "expected %q not to resolve", target)
	}
}

func TestRegistry(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	a := newFilesystemSource(t, config.SourceSpec{Name: "a", Type: config.SourceFilesystem, Root: rootA})
	b := newFilesystemSource(t, config.SourceSpec{Name: "b", Type: config.SourceFilesystem, Root: rootB})

	reg := NewRegistry()
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	assert.Error(t, reg.Register(a), "duplicate names are rejected")

	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name())

	_, ok = reg.Get("nope")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, reg.Names())
}

func TestRegistryResolveLinkPrefersOwningSource(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFile(t, rootA, "shared.md", "a copy")
	writeFile(t, rootA, "index.md", "index")
	writeFile(t, rootB, "shared.md", "b copy")

	reg := NewRegistry()
	require.NoError(t, reg.Register(newFilesystemSource(t, config.SourceSpec{Name: "a", Type: config.SourceFilesystem, Root: rootA})))
	require.NoError(t, reg.Register(newFilesystemSource(t, config.SourceSpec{Name: "b", Type: config.SourceFilesystem, Root: rootB})))

	id, ok := reg.ResolveLink(context.Background(), "a:index.md", "shared.md")
	require.True(t, ok)
	assert.Equal(t, "a:shared.md", id)
}

func newHTTPTestServer(t *testing.T, lastMod time.Time) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
		fmt.Fprint(w, "<html>hello</html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSourceFetch(t *testing.T) {
	lastMod := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	srv := newHTTPTestServer(t, lastMod)

	src, err := NewHTTP(&config.SourceSpec{
		Name:          "web",
		Type:          config.SourceHTTP,
		URLs:          []string{srv.URL + "/page.html"},
		AllowPrefixes: []string{srv.URL},
	}, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	refs, err := src.List(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "web:"+srv.URL+"/page.html", refs[0].DocID)

	res, err := src.Fetch(ctx, refs[0].DocID)
	require.NoError(t, err)
	assert.Equal(t, "<html>hello</html>", string(res.Content))
	assert.Equal(t, srv.URL+"/page.html", res.SourceURI)
	assert.Equal(t, "text/html; charset=utf-8", res.Metadata["content_type"])
	assert.Equal(t, lastMod.Format(time.RFC3339), res.Metadata["modified_at"])

	// 404 inside the allowed scope is a permanent not-found.
	_, err = src.Fetch(ctx, "web:"+srv.URL+"/missing.html")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	// URLs outside the configured scope never get fetched.
	_, err = src.Fetch(ctx, "web:https://elsewhere.example.com/doc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHTTPSourceHasChanged(t *testing.T) {
	lastMod := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	srv := newHTTPTestServer(t, lastMod)

	src, err := NewHTTP(&config.SourceSpec{
		Name: "web",
		Type: config.SourceHTTP,
		URLs: []string{srv.URL + "/page.html"},
	}, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	docID := "web:" + srv.URL + "/page.html"

	changed, err := src.HasChanged(ctx, docID, time.Time{})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = src.HasChanged(ctx, docID, lastMod.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = src.HasChanged(ctx, docID, lastMod.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestHTTPResolveLink(t *testing.T) {
	srv := newHTTPTestServer(t, time.Now())

	src, err := NewHTTP(&config.SourceSpec{
		Name:          "web",
		Type:          config.SourceHTTP,
		URLs:          []string{srv.URL + "/page.html"},
		AllowPrefixes: []string{srv.URL},
		FollowLinks:   true,
	}, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	from := "web:" + srv.URL + "/page.html"

	id, ok := src.ResolveLink(ctx, from, "other.html")
	require.True(t, ok)
	assert.Equal(t, "web:"+srv.URL+"/other.html", id)

	id, ok = src.ResolveLink(ctx, from, srv.URL+"/abs.html#frag")
	require.True(t, ok)
	assert.Equal(t, "web:"+srv.URL+"/abs.html", id)

	_, ok = src.ResolveLink(ctx, from, "https://evil.example.com/x")
	assert.False(t, ok)

	_, ok = src.ResolveLink(ctx, from, "mailto:admin@example.com")
	assert.False(t, ok)

	// Without allow_prefixes nothing resolves.
	closed, err := NewHTTP(&config.SourceSpec{
		Name: "closed",
		Type: config.SourceHTTP,
		URLs: []string{srv.URL + "/page.html"},
	}, testLogger())
	require.NoError(t, err)
	_, ok = closed.ResolveLink(ctx, "closed:"+srv.URL+"/page.html", "other.html")
	assert.False(t, ok)
}

func TestHTTPSourceRejectsBadConfig(t *testing.T) {
	for _, spec := range []config.SourceSpec{
		{Name: "w", Type: config.SourceHTTP, URLs: []string{"ftp://example.com/x"}},
		{Name: "w", Type: config.SourceHTTP, URLs: []string{"://bad"}},
		{Name: "w", Type: config.SourceHTTP, URLs: []string{"https://ok.example.com"}, AllowPrefixes: []string{"not-a-url"}},
	} {
		_, err := NewHTTP(&spec, testLogger())
		assert.Error(t, err)
	}
}

func TestS3KeyMapping(t *testing.T) {
	src := NewS3(&config.SourceSpec{
		Name:   "archive",
		Type:   config.SourceS3,
		Bucket: "corpus",
		Prefix: "docs/",
	}, nil, testLogger())

	rel, err := src.relKey("archive:guides/setup.md")
	require.NoError(t, err)
	assert.Equal(t, "guides/setup.md", rel)
	assert.Equal(t, "docs/guides/setup.md", src.objectKey(rel))

	for _, id := range []string{"archive:../secrets", "archive:/abs", "archive:a/../../b", "other:guides/setup.md"} {
		_, err := src.relKey(id)
		assert.Error(t, err, "expected %q to be rejected", id)
	}
}

func TestBuildRegistry(t *testing.T) {
	root := t.TempDir()
	rc := &config.RunConfig{
		ContentSources: []config.SourceSpec{
			{Name: "fs", Type: config.SourceFilesystem, Root: root},
		},
	}
	reg, err := BuildRegistry(rc, &config.Config{}, testLogger())
	require.NoError(t, err)

	src, ok := reg.Get("fs")
	require.True(t, ok)
	assert.Equal(t, config.SourceFilesystem, src.Type())
}
