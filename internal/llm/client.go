package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Client is the provider-agnostic call contract consumed by the planner,
// the answer tool and skill prompt actions.
type Client interface {
	// Call sends a system/user prompt pair to the model identified by
	// providerModelID ("provider:model", provider inferred when omitted)
	// and returns the raw text reply.
	Call(ctx context.Context, systemPrompt, userPrompt, providerModelID string) (string, error)
}

var (
	// ErrMissingAPIKey means no API key is configured for the selected provider
	ErrMissingAPIKey = errors.New("missing API key")
	// ErrInvalidResponse means the provider answered with an empty or unusable body
	ErrInvalidResponse = errors.New("invalid provider response")
)

// ProviderError wraps a transport or API-level provider failure
type ProviderError struct {
	Provider string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// SplitModelID splits "provider:model" into its parts. An unqualified id
// gets its provider inferred from the model name.
func SplitModelID(id string) (provider, model string) {
	id = strings.TrimSpace(id)
	if idx := strings.Index(id, ":"); idx > 0 {
		return strings.ToLower(strings.TrimSpace(id[:idx])), strings.TrimSpace(id[idx+1:])
	}
	return InferProvider(id), id
}

// InferProvider guesses the provider from a bare model name
func InferProvider(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return "openai"
	case strings.HasPrefix(m, "qwen"):
		return "aliyun"
	case strings.HasPrefix(m, "deepseek"):
		return "deepseek"
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	default:
		return "openai"
	}
}

// Config holds provider credentials and defaults
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New builds a Client for the given provider name
func New(provider string, cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic", "claude":
		return newAnthropicClient(cfg)
	case "openai", "aliyun", "qwen", "deepseek", "":
		return newOpenAICompatClient(provider, cfg)
	default:
		return newOpenAICompatClient(provider, cfg)
	}
}
