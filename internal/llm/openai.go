package llm

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	aliyunDefaultBaseURL   = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	deepseekDefaultBaseURL = "https://api.deepseek.com/v1"

	openaiDefaultModel   = "gpt-4o-mini"
	aliyunDefaultModel   = "qwen-plus"
	deepseekDefaultModel = "deepseek-chat"
)

// openAICompatClient talks to any OpenAI-compatible chat endpoint
// (OpenAI itself, Aliyun DashScope, DeepSeek)
type openAICompatClient struct {
	client   *openai.Client
	provider string
	model    string
}

func newOpenAICompatClient(provider string, cfg Config) (*openAICompatClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider == "qwen" {
		if provider == "qwen" {
			provider = "aliyun"
		} else {
			provider = "openai"
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch provider {
		case "aliyun":
			baseURL = aliyunDefaultBaseURL
		case "deepseek":
			baseURL = deepseekDefaultBaseURL
		}
	}

	model := cfg.Model
	if model == "" {
		switch provider {
		case "aliyun":
			model = aliyunDefaultModel
		case "deepseek":
			model = deepseekDefaultModel
		default:
			model = openaiDefaultModel
		}
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &openAICompatClient{
		client:   openai.NewClientWithConfig(config),
		provider: provider,
		model:    model,
	}, nil
}

func (c *openAICompatClient) Call(ctx context.Context, systemPrompt, userPrompt, providerModelID string) (string, error) {
	model := c.model
	if _, m := SplitModelID(providerModelID); m != "" {
		model = m
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userPrompt,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", &ProviderError{Provider: c.provider, Message: err.Error()}
	}

	if len(resp.Choices) == 0 {
		return "", ErrInvalidResponse
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrInvalidResponse
	}
	return text, nil
}
