package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/finmetrics/internal/resilience"
)

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// newTestServer answers embedding requests with [len(text), index] vectors,
// in reverse order to exercise index placement.
func newTestServer(t *testing.T, calls *atomic.Int32, fail int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		if n <= fail {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len(req.Input[i])), float32(i)},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{Model: "m"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func TestClient_Embed(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, &calls, 0)
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "test-embed", BatchSize: 2, Retry: fastRetry()})
	require.NoError(t, err)
	assert.Equal(t, "test-embed", c.Model())

	texts := []string{"revenue", "cogs", "revenue", "net sales"}
	vecs, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vecs[i][0], text)
	}
	assert.Equal(t, vecs[0], vecs[2])
	// Three distinct texts in batches of two.
	assert.Equal(t, int32(2), calls.Load())

	again, err := c.Embed(context.Background(), []string{"cogs", "net sales"})
	require.NoError(t, err)
	assert.Equal(t, vecs[1], again[0])
	assert.Equal(t, int32(2), calls.Load(), "served from cache")
}

func TestClient_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, &calls, 2)
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "m", Retry: fastRetry()})
	require.NoError(t, err)

	vecs, err := c.Embed(context.Background(), []string{"ebitda"})
	require.NoError(t, err)
	assert.Equal(t, float32(6), vecs[0][0])
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "m", Retry: fastRetry()})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"revenue"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding: create embeddings")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_EmptyInput(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", Model: "m"})
	require.NoError(t, err)
	vecs, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, &calls, 0)
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "m", RateLimit: 0.001, Retry: fastRetry()})
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Embed(ctx, []string{"b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}
