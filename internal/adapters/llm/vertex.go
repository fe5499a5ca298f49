package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

type VertexClient struct {
	client    *genai.Client
	modelName string
}

type VertexConfig struct {
	Project  string
	Location string
	Model    string
}

// NewVertexClient creates a Completer based on Vertex AI (Gemini).
func NewVertexClient(ctx context.Context, cfg VertexConfig) (*VertexClient, error) {
	if cfg.Project == "" || cfg.Location == "" {
		return nil, fmt.Errorf("SOURCING_GCP_PROJECT and SOURCING_GCP_LOCATION must be set")
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  cfg.Project,
		Location: cfg.Location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Vertex AI client: %w", err)
	}

	return &VertexClient{
		client:    client,
		modelName: modelName,
	}, nil
}

// Complete implements Completer using Vertex AI.
func (v *VertexClient) Complete(ctx context.Context, p Prompt) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(p.User, genai.RoleUser)}

	// Low temperature: decisions and extraction, not prose.
	temp := float32(0.3)
	outputTokens := int32(4096)

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   outputTokens,
	}
	if p.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	res, err := v.client.Models.GenerateContent(ctx, v.modelName, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("vertex generate content: %w", err)
	}

	text := res.Text()
	if text == "" {
		return "", fmt.Errorf("vertex returned empty text")
	}
	return text, nil
}
