package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds process-level configuration parsed from the environment.
// Pipeline semantics (content sources, ontology, embedding policy) are
// deliberately not here: they live in the run config YAML so that two
// processes pointed at the same file agree on the run identity. See
// runconfig.go.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings (POSTGRES_* vars, or DATABASE_URL as an override)
	Database DatabaseConfig

	// Ops HTTP listener (health, readiness, metrics)
	Ops OpsConfig

	// Embeddings backend credentials and rate limits
	Embeddings EmbeddingsConfig

	// Object storage credentials for s3-type content sources
	Storage StorageConfig

	// ShutdownTimeout bounds graceful drain on SIGTERM: a worker gets this
	// long to finish the document it holds before the process exits.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig describes the shared PostgreSQL pool. Coordinator and
// worker deployments size the pool differently, so the knobs are
// environment-driven rather than baked in.
type DatabaseConfig struct {
	// URL overrides the discrete POSTGRES_* fields when set. The one-shot
	// CLIs only look at this.
	URL string `env:"DATABASE_URL" envDefault:""`

	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"docmesh"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"docmesh"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN builds a postgres:// connection string from the discrete fields.
// An explicit DATABASE_URL wins as-is. Credentials are URL-escaped, so
// passwords containing '@' or '/' survive the round trip.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     d.Database,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// OpsConfig holds the operational HTTP listener settings. An empty address
// disables the listener; the run config may supply one instead.
type OpsConfig struct {
	ListenAddr   string        `env:"OPS_LISTEN_ADDR" envDefault:""`
	ReadTimeout  time.Duration `env:"OPS_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"OPS_WRITE_TIMEOUT" envDefault:"10s"`
}

// EmbeddingsConfig selects and throttles the embedding backend. Exactly
// one of the two credential forms is expected: an API key (Generative AI
// API) or a GCP project (Vertex AI, ambient credential chain).
type EmbeddingsConfig struct {
	GoogleAPIKey string `env:"GOOGLE_API_KEY" envDefault:""`

	GCPProjectID     string `env:"GCP_PROJECT_ID" envDefault:""`
	VertexAILocation string `env:"VERTEX_AI_LOCATION" envDefault:"us-central1"`

	// RequestsPerMinute caps outbound embedding calls per process,
	// shared across worker threads
	RequestsPerMinute int `env:"EMBEDDINGS_REQUESTS_PER_MINUTE" envDefault:"600"`

	// MaxRetries bounds retry attempts on transient backend failures
	MaxRetries int `env:"EMBEDDINGS_MAX_RETRIES" envDefault:"3"`

	// NetworkDisabled forces the deterministic mock provider even when
	// credentials are present. Tests set this.
	NetworkDisabled bool `env:"EMBEDDINGS_NETWORK_DISABLED" envDefault:"false"`
}

// UseVertexAI reports whether the Vertex AI backend is selected.
func (e *EmbeddingsConfig) UseVertexAI() bool {
	return e.GCPProjectID != ""
}

// IsEnabled reports whether a real embedding backend can be reached.
func (e *EmbeddingsConfig) IsEnabled() bool {
	if e.NetworkDisabled {
		return false
	}
	return e.GoogleAPIKey != "" || e.UseVertexAI()
}

// StorageConfig holds object storage (MinIO/S3) credentials used by
// s3-type content sources. Bucket and prefix come from the run config;
// only credentials and endpoint live in the environment.
type StorageConfig struct {
	// Endpoint points at a MinIO or other S3-compatible server; empty
	// means real AWS.
	Endpoint        string `env:"S3_ENDPOINT" envDefault:""`
	AccessKeyID     string `env:"S3_ACCESS_KEY" envDefault:""`
	SecretAccessKey string `env:"S3_SECRET_KEY" envDefault:""`
	UseSSL          bool   `env:"S3_USE_SSL" envDefault:"false"`
	Region          string `env:"S3_REGION" envDefault:"us-east-1"`
}

// IsConfigured returns true if static credentials are present. When false
// the s3 source falls back to the ambient AWS credential chain.
func (s *StorageConfig) IsConfigured() bool {
	return s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// NewConfig parses the process environment into a Config. Missing
// variables fall back to the envDefault tags; only malformed values
// (a non-numeric port, an unparsable duration) produce an error.
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	log.Info("config loaded",
		slog.String("environment", cfg.Environment),
		slog.String("db_host", cfg.Database.Host),
		slog.Bool("embeddings_enabled", cfg.Embeddings.IsEnabled()))

	return cfg, nil
}
