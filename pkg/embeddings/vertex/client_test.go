package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// newTestClient wires a Client straight at a test server, skipping the
// ADC lookup NewClient performs.
func newTestClient(url string, retries int) *Client {
	return &Client{
		endpoint:   url,
		maxRetries: retries,
		http:       &http.Client{Timeout: 5 * time.Second},
		tokens:     oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		log:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func embeddingsResponse(n, width int) string {
	var out predictResult
	out.Predictions = make([]struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	}, n)
	for i := range out.Predictions {
		vec := make([]float32, width)
		for j := range vec {
			vec[j] = float32(i + 1)
		}
		out.Predictions[i].Embeddings.Values = vec
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

func TestEmbedDocumentsSplitsBatches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var payload predictPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		for _, inst := range payload.Instances {
			assert.Equal(t, "RETRIEVAL_DOCUMENT", inst.TaskType)
		}
		fmt.Fprint(w, embeddingsResponse(len(payload.Instances), 4))
	}))
	defer srv.Close()

	docs := make([]string, maxInstancesPerCall+50)
	for i := range docs {
		docs[i] = fmt.Sprintf("document %d", i)
	}

	c := newTestClient(srv.URL, 0)
	vecs, err := c.EmbedDocuments(context.Background(), docs)
	require.NoError(t, err)
	assert.Len(t, vecs, len(docs))
	assert.EqualValues(t, 2, calls.Load())
}

func TestEmbedQueryUsesQueryTaskType(t *testing.T) {
	var task string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload predictPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Instances, 1)
		task = payload.Instances[0].TaskType
		fmt.Fprint(w, embeddingsResponse(1, 3))
	}))
	defer srv.Close()

	vec, err := newTestClient(srv.URL, 0).EmbedQuery(context.Background(), "who owns the pipeline")
	require.NoError(t, err)
	assert.Equal(t, "RETRIEVAL_QUERY", task)
	assert.Len(t, vec, 3)
}

func TestDimensionParameterForwarded(t *testing.T) {
	var got *predictParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload predictPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		got = payload.Parameters
		fmt.Fprint(w, embeddingsResponse(1, 8))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	c.dimension = 256
	_, err := c.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 256, got.OutputDimensionality)
}

func TestRetsubmitsAfterThrottle(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "throttled", http.StatusTooManyRequests)
			return
		}
		var payload predictPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		fmt.Fprint(w, embeddingsResponse(len(payload.Instances), 2))
	}))
	defer srv.Close()

	vecs, err := newTestClient(srv.URL, 3).EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).EmbedQuery(context.Background(), "q")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())

	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.False(t, ae.transient())
}

func TestPredictionCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, embeddingsResponse(1, 2))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0).EmbedDocuments(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestBackoffDoublesToCap(t *testing.T) {
	assert.Equal(t, retryBase, backoff(1))
	assert.Equal(t, 2*retryBase, backoff(2))
	assert.Equal(t, 4*retryBase, backoff(3))
	assert.Equal(t, retryCap, backoff(20))
}

func TestTransientStatuses(t *testing.T) {
	for status, want := range map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
		http.StatusBadRequest:          false,
		http.StatusForbidden:           false,
	} {
		e := &apiError{status: status}
		assert.Equal(t, want, e.transient(), "status %d", status)
	}
}
