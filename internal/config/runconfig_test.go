package config

import (
	"strings"
	"testing"
)

const validRunConfig = `
storage:
  backend: postgres
content_sources:
  - name: handbook
    type: filesystem
    root: ./docs
    include: ["**/*.md"]
    follow_links: true
  - name: corpus
    type: s3
    bucket: raw-docs
    prefix: ingest/
  - name: wiki
    type: http
    urls: ["https://wiki.internal/start"]
    allow_prefixes: ["https://wiki.internal/"]
    follow_links: true
processing:
  mode: distributed
  workers: 8
  max_link_depth: 2
embedding:
  enabled: true
  max_tokens: 4096
domain:
  name: engineering
  ontology_paths: ["ontology/*.yaml"]
`

func TestParseRunConfig(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(validRunConfig))
	if err != nil {
		t.Fatalf("ParseRunConfig() error = %v", err)
	}

	if len(cfg.ContentSources) != 3 {
		t.Fatalf("got %d sources, want 3", len(cfg.ContentSources))
	}
	if cfg.Processing.Mode != ModeDistributed {
		t.Errorf("mode = %q, want distributed", cfg.Processing.Mode)
	}
	if cfg.Processing.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Processing.Workers)
	}
	if cfg.Embedding.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want 4096", cfg.Embedding.MaxTokens)
	}

	s := cfg.Source("corpus")
	if s == nil || s.Bucket != "raw-docs" {
		t.Errorf("Source(corpus) = %+v, want bucket raw-docs", s)
	}
	if cfg.Source("missing") != nil {
		t.Error("Source(missing) should be nil")
	}
}

func TestParseRunConfig_Defaults(t *testing.T) {
	cfg, err := ParseRunConfig([]byte(`
content_sources:
  - name: docs
    type: filesystem
    root: .
`))
	if err != nil {
		t.Fatalf("ParseRunConfig() error = %v", err)
	}

	if cfg.Storage.Backend != "postgres" {
		t.Errorf("storage.backend = %q, want postgres", cfg.Storage.Backend)
	}
	if cfg.Processing.Mode != ModeSingle {
		t.Errorf("mode = %q, want single", cfg.Processing.Mode)
	}
	if cfg.Processing.HeartbeatIntervalSeconds != 15 || cfg.Processing.HeartbeatTimeoutSeconds != 90 {
		t.Errorf("heartbeat defaults = %d/%d, want 15/90",
			cfg.Processing.HeartbeatIntervalSeconds, cfg.Processing.HeartbeatTimeoutSeconds)
	}
	if cfg.Processing.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.Processing.MaxRetries)
	}
	if cfg.Embedding.Model != "text-embedding-004" {
		t.Errorf("model = %q, want text-embedding-004", cfg.Embedding.Model)
	}
	if cfg.Embedding.Encoding != EncodingBracket {
		t.Errorf("encoding = %q, want bracket", cfg.Embedding.Encoding)
	}
	if cfg.Embedding.CrossDocumentLimit != 2 {
		t.Errorf("cross_document_limit = %d, want 2", cfg.Embedding.CrossDocumentLimit)
	}
	if cfg.Domain.Name != "default" {
		t.Errorf("domain.name = %q, want default", cfg.Domain.Name)
	}
}

func TestParseRunConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown key rejected",
			yaml:    "content_surces:\n  - name: docs\n",
			wantErr: "field content_surces not found",
		},
		{
			name:    "no sources",
			yaml:    "processing:\n  mode: single\n",
			wantErr: "at least one source",
		},
		{
			name: "duplicate source names",
			yaml: `
content_sources:
  - name: docs
    type: filesystem
    root: .
  - name: docs
    type: filesystem
    root: ./other
`,
			wantErr: "duplicate name",
		},
		{
			name: "unknown source type",
			yaml: `
content_sources:
  - name: docs
    type: carrier-pigeon
`,
			wantErr: "unknown type",
		},
		{
			name: "filesystem without root",
			yaml: `
content_sources:
  - name: docs
    type: filesystem
`,
			wantErr: "requires root",
		},
		{
			name: "s3 without bucket",
			yaml: `
content_sources:
  - name: corpus
    type: s3
`,
			wantErr: "requires bucket",
		},
		{
			name: "http without urls",
			yaml: `
content_sources:
  - name: wiki
    type: http
`,
			wantErr: "requires urls",
		},
		{
			name: "bad mode",
			yaml: `
content_sources:
  - name: docs
    type: filesystem
    root: .
processing:
  mode: turbo
`,
			wantErr: "processing.mode",
		},
		{
			name: "heartbeat interval above timeout",
			yaml: `
content_sources:
  - name: docs
    type: filesystem
    root: .
processing:
  heartbeat_interval_seconds: 120
  heartbeat_timeout_seconds: 90
`,
			wantErr: "heartbeat_interval_seconds",
		},
		{
			name: "bad encoding",
			yaml: `
content_sources:
  - name: docs
    type: filesystem
    root: .
embedding:
  encoding: csv
`,
			wantErr: "embedding.encoding",
		},
		{
			name: "threshold out of range",
			yaml: `
content_sources:
  - name: docs
    type: filesystem
    root: .
relationship_detection:
  threshold: 1.5
`,
			wantErr: "threshold",
		},
		{
			name: "unsupported backend",
			yaml: `
storage:
  backend: sqlite
content_sources:
  - name: docs
    type: filesystem
    root: .
`,
			wantErr: "not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRunConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}
