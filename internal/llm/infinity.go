package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// INFINITY EMBEDDING ENGINE
// =============================================================================

// InfinityEmbedder generates embeddings against a self-hosted Infinity
// server (OpenAI-compatible /embeddings endpoint). Selected with
// USE_INFINITY_EMBEDDINGS when embedding traffic must stay off the cloud
// API.
type InfinityEmbedder struct {
	endpoint string
	model    string
	client   *http.Client

	dims int
}

type infinityRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type infinityResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewInfinityEmbedder creates an embedder for the given endpoint.
func NewInfinityEmbedder(endpoint, model string, timeout time.Duration) (*InfinityEmbedder, error) {
	if endpoint == "" {
		endpoint = "http://localhost:7997"
	}
	if model == "" {
		return nil, fmt.Errorf("infinity embedding model is required")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &InfinityEmbedder{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
		dims:     768,
	}, nil
}

// Embed implements Embedder.
func (e *InfinityEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch implements Embedder; Infinity accepts batched input natively.
func (e *InfinityEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(infinityRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("infinity request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("infinity returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result infinityResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	// The server may return entries out of order; index is authoritative.
	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	if len(vectors) > 0 && len(vectors[0]) > 0 {
		e.dims = len(vectors[0])
	}
	return vectors, nil
}

// Dimensions implements Embedder.
func (e *InfinityEmbedder) Dimensions() int { return e.dims }

// Name implements Embedder.
func (e *InfinityEmbedder) Name() string { return "infinity" }

// HealthCheck verifies the server is reachable.
func (e *InfinityEmbedder) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", e.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("infinity health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("infinity health check returned status %d", resp.StatusCode)
	}
	return nil
}
