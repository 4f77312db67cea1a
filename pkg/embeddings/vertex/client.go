// Package vertex embeds text through the Vertex AI prediction API.
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/docmesh/docmesh/pkg/logger"
)

const (
	// DefaultModel is the publisher model used when the run config
	// names none.
	DefaultModel = "text-embedding-004"

	// DefaultTimeout bounds a single predict call.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries for throttled and failed predict calls.
	DefaultMaxRetries = 3

	// maxInstancesPerCall is the prediction API's batch ceiling.
	maxInstancesPerCall = 100

	retryBase = 100 * time.Millisecond
	retryCap  = 10 * time.Second

	credentialScope = "https://www.googleapis.com/auth/cloud-platform"
)

// Config selects the project-scoped prediction endpoint and the model
// behind it. Dimension asks the model for truncated vectors; zero keeps
// the model's native width.
type Config struct {
	ProjectID  string
	Location   string
	Model      string
	Dimension  int
	Timeout    time.Duration
	MaxRetries int
}

// Client calls a publisher model's :predict endpoint with application
// default credentials. Batches are split at the API ceiling and retried
// on throttling and server errors with exponential backoff.
type Client struct {
	endpoint   string
	dimension  int
	maxRetries int
	http       *http.Client
	tokens     oauth2.TokenSource
	log        *slog.Logger
}

// NewClient resolves application default credentials and binds the
// client to one model endpoint.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.ProjectID == "" || cfg.Location == "" {
		return nil, fmt.Errorf("vertex: project and location are required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = slog.Default()
	}

	creds, err := google.FindDefaultCredentials(ctx, credentialScope)
	if err != nil {
		return nil, fmt.Errorf("vertex: resolving default credentials: %w", err)
	}

	return &Client{
		endpoint: fmt.Sprintf(
			"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
			cfg.Location, cfg.ProjectID, cfg.Location, cfg.Model,
		),
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
		http:       &http.Client{Timeout: cfg.Timeout},
		tokens:     creds.TokenSource,
		log:        log,
	}, nil
}

type predictPayload struct {
	Instances  []textInstance `json:"instances"`
	Parameters *predictParams `json:"parameters,omitempty"`
}

type textInstance struct {
	TaskType string `json:"task_type"`
	Content  string `json:"content"`
}

type predictParams struct {
	OutputDimensionality int `json:"outputDimensionality,omitempty"`
}

type predictResult struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

// EmbedQuery embeds one retrieval query.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := c.predict(ctx, []string{query}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("vertex: no embedding returned")
	}
	return vecs[0], nil
}

// EmbedDocuments embeds document texts in API-sized batches, preserving
// input order.
func (c *Client) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(documents))
	for start := 0; start < len(documents); start += maxInstancesPerCall {
		end := min(start+maxInstancesPerCall, len(documents))
		batch, err := c.predict(ctx, documents[start:end], "RETRIEVAL_DOCUMENT")
		if err != nil {
			return nil, fmt.Errorf("vertex: batch at offset %d: %w", start, err)
		}
		vecs = append(vecs, batch...)
	}
	return vecs, nil
}

func (c *Client) predict(ctx context.Context, texts []string, task string) ([][]float32, error) {
	instances := make([]textInstance, len(texts))
	for i, t := range texts {
		instances[i] = textInstance{TaskType: task, Content: t}
	}
	payload := predictPayload{Instances: instances}
	if c.dimension > 0 {
		payload.Parameters = &predictParams{OutputDimensionality: c.dimension}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding predict request: %w", err)
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

		vecs, err := c.call(ctx, body)
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, fmt.Errorf("prediction count %d does not match instance count %d", len(vecs), len(texts))
			}
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var ae *apiError
		if errors.As(err, &ae) && !ae.transient() {
			return nil, err
		}
		lastErr = err
		c.log.Warn("predict call failed",
			slog.Int("attempt", attempt),
			logger.Error(err))
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func (c *Client) call(ctx context.Context, body []byte) ([][]float32, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("fetching access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading predict response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{status: resp.StatusCode, body: string(raw)}
	}

	var out predictResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding predict response: %w", err)
	}
	vecs := make([][]float32, len(out.Predictions))
	for i, p := range out.Predictions {
		vecs[i] = p.Embeddings.Values
	}
	return vecs, nil
}

// backoff doubles from retryBase up to retryCap. attempt starts at 1.
func backoff(attempt int) time.Duration {
	d := retryBase << uint(attempt-1)
	if d > retryCap {
		d = retryCap
	}
	return d
}

// apiError is a non-200 predict response. Throttling and server-side
// failures are worth retrying; anything else will fail the same way
// again.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("predict API status %d: %s", e.status, e.body)
}

func (e *apiError) transient() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}
