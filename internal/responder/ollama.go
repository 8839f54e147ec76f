package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/machi/internal/model"
)

// Ollama generates lines with a local Ollama server's chat API.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates a responder for the given chat model, e.g. "qwen2.5:7b".
func NewOllama(baseURL, chatModel string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL: baseURL,
		model:   chatModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (o *Ollama) Name() string { return "ollama" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

func (o *Ollama) Respond(ctx context.Context, p model.InteractionPayload) (string, error) {
	system, user := BuildPrompt(p)
	reqBody, err := json.Marshal(ollamaChatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Options: map[string]any{"temperature": 0.8, "num_predict": 120},
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", classify(ctx, "ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("ollama", resp)
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", classify(ctx, "ollama", fmt.Errorf("decode response: %w", err))
	}
	if result.Error != "" {
		return "", fmt.Errorf("ollama: %w: %s", model.ErrCollaboratorUnavailable, result.Error)
	}
	line := clean(result.Message.Content)
	if line == "" {
		return "", fmt.Errorf("ollama: %w: empty reply", model.ErrCollaboratorUnavailable)
	}
	return line, nil
}

// Reachable reports whether the Ollama server answers at all.
func (o *Ollama) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
