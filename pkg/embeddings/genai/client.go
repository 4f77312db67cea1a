// Package genai embeds text through the Gemini API.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/docmesh/docmesh/pkg/logger"
)

const (
	// DefaultModel is used when the run config names none.
	DefaultModel = "text-embedding-004"

	// DefaultMaxRetries for failed embed calls.
	DefaultMaxRetries = 3

	// maxTextsPerCall is the embedContent batch ceiling.
	maxTextsPerCall = 100

	retryBase = 100 * time.Millisecond
	retryCap  = 10 * time.Second
)

// Config carries the API key and model selection. Dimension asks for
// truncated vectors; zero keeps the model's native width.
// RequestsPerMinute caps outbound calls; zero disables the limiter.
type Config struct {
	APIKey            string
	Model             string
	Dimension         int
	RequestsPerMinute int
	MaxRetries        int
}

// Client wraps the Gemini SDK for embedding. Each batch is one
// embedContent call; failures back off exponentially and every error is
// treated as retryable since the SDK folds network and API failures
// together.
type Client struct {
	api        *genai.Client
	model      string
	dimension  int
	maxRetries int
	limiter    *rate.Limiter
	log        *slog.Logger
}

// NewClient builds a Gemini API embeddings client.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = slog.Default()
	}

	api, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: creating client: %w", err)
	}

	c := &Client{
		api:        api,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
		log:        log,
	}
	if cfg.RequestsPerMinute > 0 {
		// A second's worth of burst keeps small batches snappy while the
		// sustained rate honors the per-minute cap.
		burst := cfg.RequestsPerMinute / 60
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	}
	return c, nil
}

// EmbedQuery embeds one retrieval query.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := c.embed(ctx, []string{query}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("genai: no embedding returned")
	}
	return vecs[0], nil
}

// EmbedDocuments embeds document texts in API-sized batches, preserving
// input order.
func (c *Client) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(documents))
	for start := 0; start < len(documents); start += maxTextsPerCall {
		end := min(start+maxTextsPerCall, len(documents))
		batch, err := c.embed(ctx, documents[start:end], "RETRIEVAL_DOCUMENT")
		if err != nil {
			return nil, fmt.Errorf("genai: batch at offset %d: %w", start, err)
		}
		vecs = append(vecs, batch...)
	}
	return vecs, nil
}

func (c *Client) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.Text(t)...)
	}
	cfg := &genai.EmbedContentConfig{TaskType: task}
	if c.dimension > 0 {
		dim := int32(c.dimension)
		cfg.OutputDimensionality = &dim
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		result, err := c.api.Models.EmbedContent(ctx, c.model, contents, cfg)
		if err == nil {
			if len(result.Embeddings) != len(texts) {
				return nil, fmt.Errorf("embedding count %d does not match text count %d", len(result.Embeddings), len(texts))
			}
			vecs := make([][]float32, len(result.Embeddings))
			for i, e := range result.Embeddings {
				vecs[i] = e.Values
			}
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		c.log.Warn("embed call failed",
			slog.Int("attempt", attempt),
			logger.Error(err))
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// backoff doubles from retryBase up to retryCap. attempt starts at 1.
func backoff(attempt int) time.Duration {
	d := retryBase << uint(attempt-1)
	if d > retryCap {
		d = retryCap
	}
	return d
}
