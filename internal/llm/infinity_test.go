package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func infinityServer(t *testing.T, handler http.HandlerFunc) *InfinityEmbedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	e, err := NewInfinityEmbedder(srv.URL, "BAAI/bge-small-en-v1.5", 5*time.Second)
	require.NoError(t, err)
	return e
}

func TestInfinityEmbedBatch(t *testing.T) {
	e := infinityServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req infinityRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"alpha", "beta"}, req.Input)

		// Out-of-order reply; the client must reorder by index.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 1, "embedding": []float32{0.4, 0.5}},
				{"index": 0, "embedding": []float32{0.1, 0.2}},
			},
		})
	})

	vectors, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.4, 0.5}, vectors[1])
	assert.Equal(t, 2, e.Dimensions())
}

func TestInfinityEmbed_ServerError(t *testing.T) {
	e := infinityServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	})

	_, err := e.Embed(context.Background(), "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestInfinityEmbed_CountMismatch(t *testing.T) {
	e := infinityServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{},
		})
	})

	_, err := e.Embed(context.Background(), "query")
	assert.Error(t, err)
}

func TestInfinityHealthCheck(t *testing.T) {
	e := infinityServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	assert.NoError(t, e.HealthCheck(context.Background()))
}

func TestNewInfinityEmbedder_RequiresModel(t *testing.T) {
	_, err := NewInfinityEmbedder("http://localhost:7997", "", 0)
	assert.Error(t, err)
}
