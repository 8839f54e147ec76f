package responder

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/ashita-ai/machi/internal/model"
)

// Gemini generates lines with the Google GenAI SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini responder. The client is created once and
// reused for every request.
func NewGemini(ctx context.Context, apiKey, geminiModel string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{client: client, model: geminiModel}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Respond(ctx context.Context, p model.InteractionPayload) (string, error) {
	system, user := BuildPrompt(p)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.8),
		MaxOutputTokens:   120,
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(user, genai.RoleUser)},
		cfg)
	if err != nil {
		return "", classify(ctx, "gemini", err)
	}
	line := clean(resp.Text())
	if line == "" {
		return "", fmt.Errorf("gemini: %w: empty reply", model.ErrCollaboratorUnavailable)
	}
	return line, nil
}
