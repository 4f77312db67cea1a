package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Processing modes. Single runs coordinator and worker loops in one
// process; distributed enqueues and waits for external workers; worker
// joins an existing run without enqueueing anything.
const (
	ModeSingle      = "single"
	ModeDistributed = "distributed"
	ModeWorker      = "worker"
)

// Source types understood by the source registry.
const (
	SourceFilesystem = "filesystem"
	SourceS3         = "s3"
	SourceHTTP       = "http"
)

// Element encodings for embedding context.
const (
	EncodingBracket = "bracket"
	EncodingXML     = "xml"
)

// RunConfig is the declarative description of an ingestion run, loaded
// from YAML. The run identity is derived from the content_sources and
// storage sections, so everything in those two sections must be stable
// across processes that intend to share a run.
type RunConfig struct {
	Storage        StorageSpec      `yaml:"storage"`
	ContentSources []SourceSpec     `yaml:"content_sources"`
	Processing     ProcessingSpec   `yaml:"processing"`
	Embedding      EmbeddingSpec    `yaml:"embedding"`
	Relationships  RelationshipSpec `yaml:"relationship_detection"`
	Domain         DomainSpec       `yaml:"domain"`
	Ops            RunOpsSpec       `yaml:"ops"`
}

// StorageSpec names the persistence backend. Only postgres is supported;
// the field exists so the descriptor participates in run identity and so
// a future backend does not change the file shape.
type StorageSpec struct {
	Backend string `yaml:"backend"`
	Schema  string `yaml:"schema"`
}

// SourceSpec configures one named content source. Type selects which of
// the remaining fields apply.
type SourceSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// filesystem
	Root    string   `yaml:"root,omitempty"`
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`

	// s3
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`

	// http
	URLs          []string `yaml:"urls,omitempty"`
	AllowPrefixes []string `yaml:"allow_prefixes,omitempty"`

	// FollowLinks opts this source into link discovery up to
	// processing.max_link_depth.
	FollowLinks bool `yaml:"follow_links,omitempty"`
}

// ProcessingSpec holds queue and worker behavior shared by every process
// participating in the run.
type ProcessingSpec struct {
	Mode         string `yaml:"mode"`
	Workers      int    `yaml:"workers"`
	MaxLinkDepth int    `yaml:"max_link_depth"`

	// HealthScaling gates claim threads on system health, between
	// min_workers and workers.
	HealthScaling bool `yaml:"health_scaling"`
	MinWorkers    int  `yaml:"min_workers"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `yaml:"heartbeat_timeout_seconds"`

	MaxRetries       int `yaml:"max_retries"`
	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	RetryMaxSeconds  int `yaml:"retry_max_seconds"`
}

// HeartbeatInterval returns the heartbeat period as a Duration
func (p *ProcessingSpec) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the liveness cutoff as a Duration
func (p *ProcessingSpec) HeartbeatTimeout() time.Duration {
	return time.Duration(p.HeartbeatTimeoutSeconds) * time.Second
}

// RetryBase returns the first retry delay as a Duration
func (p *ProcessingSpec) RetryBase() time.Duration {
	return time.Duration(p.RetryBaseSeconds) * time.Second
}

// RetryMax returns the retry delay ceiling as a Duration
func (p *ProcessingSpec) RetryMax() time.Duration {
	return time.Duration(p.RetryMaxSeconds) * time.Second
}

// EmbeddingSpec controls context assembly and vector generation.
type EmbeddingSpec struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	Dimension int    `yaml:"dimension"`

	// Encoding selects how graph elements are rendered into the context
	// window: bracket (default) or xml.
	Encoding string `yaml:"encoding"`

	// CrossDocumentLimit caps how many related documents contribute
	// context to one element's embedding.
	CrossDocumentLimit int `yaml:"cross_document_limit"`
}

// RelationshipSpec controls semantic relationship detection between
// entities based on embedding similarity.
type RelationshipSpec struct {
	Enabled      bool    `yaml:"enabled"`
	Threshold    float64 `yaml:"threshold"`
	MaxNeighbors int     `yaml:"max_neighbors"`
}

// DomainSpec names the ontology files that drive entity extraction.
type DomainSpec struct {
	Name          string   `yaml:"name"`
	OntologyPaths []string `yaml:"ontology_paths"`
}

// RunOpsSpec optionally opens the ops HTTP listener for this run. The
// OPS_LISTEN_ADDR environment variable takes precedence when both are set.
type RunOpsSpec struct {
	ListenAddr string `yaml:"listen_addr"`
}

var sourceNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// LoadRunConfig reads, strictly decodes, defaults, and validates a run
// config file. Unknown YAML keys are an error so that typos fail loudly
// instead of silently changing run identity.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run config: %w", err)
	}
	return ParseRunConfig(data)
}

// ParseRunConfig decodes a run config from raw YAML bytes.
func ParseRunConfig(data []byte) (*RunConfig, error) {
	cfg := &RunConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing run config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RunConfig) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "postgres"
	}
	if c.Storage.Schema == "" {
		c.Storage.Schema = "public"
	}
	if c.Processing.Mode == "" {
		c.Processing.Mode = ModeSingle
	}
	if c.Processing.Workers <= 0 {
		c.Processing.Workers = 4
	}
	if c.Processing.MinWorkers <= 0 {
		c.Processing.MinWorkers = 1
	}
	if c.Processing.HeartbeatIntervalSeconds <= 0 {
		c.Processing.HeartbeatIntervalSeconds = 15
	}
	if c.Processing.HeartbeatTimeoutSeconds <= 0 {
		c.Processing.HeartbeatTimeoutSeconds = 90
	}
	if c.Processing.MaxRetries <= 0 {
		c.Processing.MaxRetries = 3
	}
	if c.Processing.RetryBaseSeconds <= 0 {
		c.Processing.RetryBaseSeconds = 5
	}
	if c.Processing.RetryMaxSeconds <= 0 {
		c.Processing.RetryMaxSeconds = 300
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-004"
	}
	if c.Embedding.MaxTokens <= 0 {
		c.Embedding.MaxTokens = 2048
	}
	if c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = 768
	}
	if c.Embedding.Encoding == "" {
		c.Embedding.Encoding = EncodingBracket
	}
	if c.Embedding.CrossDocumentLimit <= 0 {
		c.Embedding.CrossDocumentLimit = 2
	}
	if c.Relationships.Threshold == 0 {
		c.Relationships.Threshold = 0.82
	}
	if c.Relationships.MaxNeighbors <= 0 {
		c.Relationships.MaxNeighbors = 5
	}
	if c.Domain.Name == "" {
		c.Domain.Name = "default"
	}
}

// Validate checks cross-field constraints. It is called by ParseRunConfig
// but exported so tests and callers building configs in code can reuse it.
func (c *RunConfig) Validate() error {
	if c.Storage.Backend != "postgres" {
		return fmt.Errorf("storage.backend %q not supported (only postgres)", c.Storage.Backend)
	}
	if len(c.ContentSources) == 0 {
		return fmt.Errorf("content_sources must list at least one source")
	}
	seen := make(map[string]bool, len(c.ContentSources))
	for i := range c.ContentSources {
		s := &c.ContentSources[i]
		if !sourceNameRe.MatchString(s.Name) {
			return fmt.Errorf("content_sources[%d]: invalid name %q", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("content_sources[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		switch s.Type {
		case SourceFilesystem:
			if s.Root == "" {
				return fmt.Errorf("source %q: filesystem requires root", s.Name)
			}
		case SourceS3:
			if s.Bucket == "" {
				return fmt.Errorf("source %q: s3 requires bucket", s.Name)
			}
		case SourceHTTP:
			if len(s.URLs) == 0 {
				return fmt.Errorf("source %q: http requires urls", s.Name)
			}
		default:
			return fmt.Errorf("source %q: unknown type %q", s.Name, s.Type)
		}
	}
	switch c.Processing.Mode {
	case ModeSingle, ModeDistributed, ModeWorker:
	default:
		return fmt.Errorf("processing.mode %q invalid (single, distributed, worker)", c.Processing.Mode)
	}
	if c.Processing.MaxLinkDepth < 0 {
		return fmt.Errorf("processing.max_link_depth must be >= 0")
	}
	if c.Processing.MinWorkers > c.Processing.Workers {
		return fmt.Errorf("processing.min_workers (%d) exceeds workers (%d)",
			c.Processing.MinWorkers, c.Processing.Workers)
	}
	if c.Processing.HeartbeatIntervalSeconds >= c.Processing.HeartbeatTimeoutSeconds {
		return fmt.Errorf("heartbeat_interval_seconds (%d) must be below heartbeat_timeout_seconds (%d)",
			c.Processing.HeartbeatIntervalSeconds, c.Processing.HeartbeatTimeoutSeconds)
	}
	if c.Processing.RetryBaseSeconds > c.Processing.RetryMaxSeconds {
		return fmt.Errorf("retry_base_seconds exceeds retry_max_seconds")
	}
	switch c.Embedding.Encoding {
	case EncodingBracket, EncodingXML:
	default:
		return fmt.Errorf("embedding.encoding %q invalid (bracket, xml)", c.Embedding.Encoding)
	}
	if c.Relationships.Threshold < 0 || c.Relationships.Threshold > 1 {
		return fmt.Errorf("relationship_detection.threshold must be within [0,1]")
	}
	return nil
}

// Source returns the named source spec, or nil when absent.
func (c *RunConfig) Source(name string) *SourceSpec {
	for i := range c.ContentSources {
		if c.ContentSources[i].Name == name {
			return &c.ContentSources[i]
		}
	}
	return nil
}
