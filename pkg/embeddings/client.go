// Package embeddings provides the vector backends behind contextual
// embedding: Vertex AI, the Gemini API, a deterministic mock for
// offline runs, and a noop for runs with embedding disabled.
package embeddings

import (
	"context"
	"math"
)

// DefaultDimension is the native width of text-embedding-004 vectors.
const DefaultDimension = 768

// Client embeds text. EmbedQuery serves single probes (ontology term
// vectors, similarity lookups); EmbedDocuments serves element context
// windows in bulk. Implementations batch and retry internally. A nil
// slice with a nil error means the backend produces no vectors at all,
// and callers skip embedding-dependent work.
type Client interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error)
}

// NoopClient backs runs with embedding disabled.
type NoopClient struct{}

// NewNoopClient returns the disabled-embedding client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

func (*NoopClient) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, nil
}

func (*NoopClient) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

// CosineSimilarity scores two vectors in [-1, 1]. Empty, zero-length
// and dimension-mismatched inputs score 0, so callers can treat any
// degenerate pair as "no similarity" without a separate check.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
