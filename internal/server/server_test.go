package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/internal/testutil"
)

func TestHealthz(t *testing.T) {
	e := NewEcho(EchoParams{Log: slog.Default()})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetrics(t *testing.T) {
	e := NewEcho(EchoParams{Log: slog.Default()})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReadyz(t *testing.T) {
	db := testutil.RequireDB(t, "server")

	e := NewEcho(EchoParams{DB: db.DB, Log: slog.Default()})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestListenAddrPrecedence(t *testing.T) {
	cfg := &config.Config{}
	rc := &config.RunConfig{}
	assert.Empty(t, ListenAddr(cfg, rc), "no address configured means disabled")

	rc.Ops.ListenAddr = ":9090"
	assert.Equal(t, ":9090", ListenAddr(cfg, rc))

	cfg.Ops.ListenAddr = ":8088"
	assert.Equal(t, ":8088", ListenAddr(cfg, rc), "environment wins over run config")
}

func TestRemoveTrailingSlash(t *testing.T) {
	e := NewEcho(EchoParams{Log: slog.Default()})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ok"))
}
