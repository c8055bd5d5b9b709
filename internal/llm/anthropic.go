package llm

import (
	"context"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

const anthropicDefaultModel = "claude-3-5-haiku-latest"

type anthropicClient struct {
	client *anthropic.Client
	model  string
}

func newAnthropicClient(cfg Config) (*anthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	opts := []anthropic.ClientOption{}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = anthropicDefaultModel
	}

	return &anthropicClient{
		client: anthropic.NewClient(cfg.APIKey, opts...),
		model:  model,
	}, nil
}

func (c *anthropicClient) Call(ctx context.Context, systemPrompt, userPrompt, providerModelID string) (string, error) {
	model := c.model
	if _, m := SplitModelID(providerModelID); m != "" {
		model = m
	}

	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(model),
		System:    systemPrompt,
		MaxTokens: 4096,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(userPrompt),
		},
	})
	if err != nil {
		return "", &ProviderError{Provider: "anthropic", Message: err.Error()}
	}

	text := strings.TrimSpace(resp.GetFirstContentText())
	if text == "" {
		return "", ErrInvalidResponse
	}
	return text, nil
}
