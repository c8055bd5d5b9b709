package llm

import "testing"

func TestSplitModelID(t *testing.T) {
	cases := []struct {
		id       string
		provider string
		model    string
	}{
		{"openai:gpt-4o", "openai", "gpt-4o"},
		{"anthropic:claude-3-5-sonnet-latest", "anthropic", "claude-3-5-sonnet-latest"},
		{"gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"qwen-plus", "aliyun", "qwen-plus"},
		{"deepseek-chat", "deepseek", "deepseek-chat"},
		{"claude-3-5-haiku-latest", "anthropic", "claude-3-5-haiku-latest"},
		{"something-else", "openai", "something-else"},
	}

	for _, c := range cases {
		provider, model := SplitModelID(c.id)
		if provider != c.provider || model != c.model {
			t.Fatalf("SplitModelID(%q) = %q/%q, want %q/%q", c.id, provider, model, c.provider, c.model)
		}
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("openai", Config{}); err != ErrMissingAPIKey {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := New("anthropic", Config{}); err != ErrMissingAPIKey {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}
