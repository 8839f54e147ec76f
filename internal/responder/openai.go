package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/machi/internal/model"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
// The default base URL targets DeepSeek.
type OpenAI struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAI creates a chat-completions responder.
func NewOpenAI(apiKey, baseURL, chatModel string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}
	return &OpenAI{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      chatModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *OpenAI) Name() string { return "openai" }

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (o *OpenAI) Respond(ctx context.Context, p model.InteractionPayload) (string, error) {
	system, user := BuildPrompt(p)
	reqBody, err := json.Marshal(chatCompletionRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.8,
		MaxTokens:   120,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", classify(ctx, "openai", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("openai", resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classify(ctx, "openai", fmt.Errorf("read response: %w", err))
	}
	var result chatCompletionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("openai: %w: %s: %s", model.ErrCollaboratorUnavailable, result.Error.Type, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai: %w: no choices returned", model.ErrCollaboratorUnavailable)
	}
	line := clean(result.Choices[0].Message.Content)
	if line == "" {
		return "", fmt.Errorf("openai: %w: empty reply", model.ErrCollaboratorUnavailable)
	}
	return line, nil
}
