package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

type OpenAIClient struct {
	model llms.Model
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewOpenAIClient creates a Completer backed by the OpenAI chat API.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("SOURCING_OPENAI_API_KEY must be set")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	l, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAIClient{model: l}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, p Prompt) (string, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, p.System),
		llms.TextParts(llms.ChatMessageTypeHuman, p.User),
	}
	opts := []llms.CallOption{
		llms.WithTemperature(0.3),
		llms.WithMaxTokens(1024),
	}
	if p.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := c.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return "", fmt.Errorf("openai generate content: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", fmt.Errorf("openai returned empty text")
	}
	return resp.Choices[0].Content, nil
}
