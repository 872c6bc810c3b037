// Package embedding hosts the embedding model off the main execution
// context (component 4.3): an HTTP adapter reaching the external
// embedding service, a NATS-backed worker handle that gives the main loop
// a message-passing, correlation-id'd request/reply contract with
// startup/per-request timeouts, and the EmbeddingStore vector index.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Adapter generates embeddings for text. Implementations may fail or time
// out; callers treat either as "try again next cycle."
type Adapter interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	EngineName() string
}

// HTTPAdapter reaches an OpenAI-embeddings-compatible endpoint, matching
// the reference corpus's own local-model embedding provider.
type HTTPAdapter struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

func NewHTTPAdapter(baseURL, model string, dims int) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *HTTPAdapter) Dimensions() int    { return a.dims }
func (a *HTTPAdapter) EngineName() string { return a.model }

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (a *HTTPAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Input: text, Model: a.model})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: unexpected status %d", resp.StatusCode)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}
	return parsed.Data[0].Embedding, nil
}
