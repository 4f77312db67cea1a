package embeddings

import (
	"context"
	"math"
)

// ModelMock in the run config selects the deterministic mock backend.
const ModelMock = "mock"

// MockClient generates deterministic hash-seeded unit vectors. Not
// semantically meaningful, but stable across processes, which is what
// offline runs and tests need.
type MockClient struct {
	dimension int
}

// NewMockClient creates a mock client with the given vector dimension.
func NewMockClient(dimension int) *MockClient {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &MockClient{dimension: dimension}
}

// EmbedQuery returns the deterministic vector for the query text.
func (c *MockClient) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return mockVector(query, c.dimension), nil
}

// EmbedDocuments returns one deterministic vector per document.
func (c *MockClient) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	out := make([][]float32, len(documents))
	for i, doc := range documents {
		out[i] = mockVector(doc, c.dimension)
	}
	return out, nil
}

func mockVector(text string, dimension int) []float32 {
	hash := hashString(text)

	vec := make([]float32, dimension)
	var norm float64
	for i := range vec {
		v := float32((hash+uint64(i)*7919)%10000)/10000.0*2.0 - 1.0
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}

// hashString is djb2; it only needs to be stable, not cryptographic.
func hashString(s string) uint64 {
	var hash uint64 = 5381
	for _, c := range s {
		hash = ((hash << 5) + hash) + uint64(c)
	}
	return hash
}
