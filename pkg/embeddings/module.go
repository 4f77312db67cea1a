// Package embeddings provides embedding generation functionality.
package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/fx"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/embeddings/genai"
	"github.com/docmesh/docmesh/pkg/embeddings/vertex"
)

// Module provides the embeddings client selected for this run.
var Module = fx.Module("embeddings",
	fx.Provide(NewClientForRun),
)

// NewClientForRun selects the backend. Embedding disabled in the run
// config means a noop client; the mock backend serves offline runs and
// tests; otherwise Vertex AI or the Generative AI API, whichever the
// environment holds credentials for.
//
// When embedding is enabled but no backend is configured the mock steps
// in with a warning rather than failing the run: vectors are then
// deterministic placeholders, not semantic.
func NewClientForRun(cfg *config.Config, rc *config.RunConfig, log *slog.Logger) (Client, error) {
	if !rc.Embedding.Enabled {
		return NewNoopClient(), nil
	}

	emb := cfg.Embeddings
	switch {
	case rc.Embedding.Model == ModelMock || emb.NetworkDisabled:
		log.Info("using deterministic mock embeddings",
			slog.Int("dimension", rc.Embedding.Dimension))
		return NewMockClient(rc.Embedding.Dimension), nil

	case emb.UseVertexAI():
		log.Info("initializing Vertex AI embeddings client",
			slog.String("project", emb.GCPProjectID),
			slog.String("location", emb.VertexAILocation),
			slog.String("model", rc.Embedding.Model))
		client, err := vertex.NewClient(context.Background(), vertex.Config{
			ProjectID:  emb.GCPProjectID,
			Location:   emb.VertexAILocation,
			Model:      rc.Embedding.Model,
			Dimension:  rc.Embedding.Dimension,
			MaxRetries: emb.MaxRetries,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("initializing vertex embeddings client: %w", err)
		}
		return client, nil

	case emb.GoogleAPIKey != "":
		log.Info("initializing Generative AI embeddings client",
			slog.String("model", rc.Embedding.Model))
		client, err := genai.NewClient(context.Background(), genai.Config{
			APIKey:            emb.GoogleAPIKey,
			Model:             rc.Embedding.Model,
			Dimension:         rc.Embedding.Dimension,
			RequestsPerMinute: emb.RequestsPerMinute,
			MaxRetries:        emb.MaxRetries,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("initializing genai embeddings client: %w", err)
		}
		return client, nil
	}

	log.Warn("embedding enabled but no backend configured; vectors will be deterministic mocks")
	return NewMockClient(rc.Embedding.Dimension), nil
}
