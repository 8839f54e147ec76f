package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	Dimensions() int
}

// OllamaEmbedder generates embeddings using a local Ollama server.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOllamaEmbedder creates an embedder for an embedding model like
// "mxbai-embed-large". Dimensions must match the model's native output size.
func NewOllamaEmbedder(baseURL, embedModel string, dimensions int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaEmbedder{
		baseURL:    baseURL,
		model:      embedModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}
}

// Dimensions returns the model's native vector size.
func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a single embedding vector from text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("memory: marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("memory: create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("memory: send embed request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return pgvector.Vector{}, fmt.Errorf("memory: ollama status %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return pgvector.Vector{}, fmt.Errorf("memory: decode embed response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("memory: empty embedding returned")
	}
	if e.dimensions > 0 && len(result.Embedding) != e.dimensions {
		return pgvector.Vector{}, fmt.Errorf("memory: embedding has %d dimensions, want %d", len(result.Embedding), e.dimensions)
	}
	return pgvector.NewVector(result.Embedding), nil
}

// NoopEmbedder returns zero vectors.
type NoopEmbedder struct {
	dims int
}

// NewNoopEmbedder creates an embedder that returns zero vectors.
func NewNoopEmbedder(dims int) *NoopEmbedder { return &NoopEmbedder{dims: dims} }

func (e *NoopEmbedder) Dimensions() int { return e.dims }

// Embed returns a zero vector.
func (e *NoopEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, e.dims)), nil
}
