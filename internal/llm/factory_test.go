package llm

import (
	"testing"

	"github.com/psi/logbook-agent/internal/config"
)

func TestNewProviderUnknown(t *testing.T) {
	_, err := NewProvider("carrier-pigeon", config.LLMConfig{})
	if err == nil {
		t.Fatal("expected error for unknown provider name")
	}
}

func TestNewProviderOpenAIRequiresAPIKey(t *testing.T) {
	cfg := config.LLMConfig{
		Providers: map[string]config.LLMProviderConfig{
			"openai": {APIKey: ""},
		},
	}
	if _, err := NewProvider("openai", cfg); err == nil {
		t.Fatal("expected error when openai API key is missing")
	}

	cfg.Providers["openai"] = config.LLMProviderConfig{APIKey: "sk-test"}
	p, err := NewProvider("openai", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

func TestNewProviderAnthropicRequiresAPIKey(t *testing.T) {
	cfg := config.LLMConfig{
		Providers: map[string]config.LLMProviderConfig{
			"anthropic": {APIKey: ""},
		},
	}
	if _, err := NewProvider("anthropic", cfg); err == nil {
		t.Fatal("expected error when anthropic API key is missing")
	}

	cfg.Providers["anthropic"] = config.LLMProviderConfig{APIKey: "sk-test", DefaultModel: "claude-sonnet-4-20250514"}
	p, err := NewProvider("anthropic", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

func TestNewProviderWithFallbackSkipsBrokenDefault(t *testing.T) {
	cfg := config.LLMConfig{
		DefaultProvider: "anthropic", // missing API key, construction fails
		FallbackChain:   []string{"openai"},
		Providers: map[string]config.LLMProviderConfig{
			"anthropic": {},
			"openai":    {APIKey: "sk-test"},
		},
	}

	p, err := NewProviderWithFallback(cfg)
	if err != nil {
		t.Fatalf("expected fallback to openai to succeed: %v", err)
	}
	if _, ok := p.(*OpenAIBackend); !ok {
		t.Fatalf("expected *OpenAIBackend, got %T", p)
	}
}

func TestNewProviderWithFallbackAllFail(t *testing.T) {
	cfg := config.LLMConfig{
		DefaultProvider: "anthropic",
		FallbackChain:   []string{"bedrock_unknown_name"},
		Providers: map[string]config.LLMProviderConfig{
			"anthropic": {},
		},
	}

	if _, err := NewProviderWithFallback(cfg); err == nil {
		t.Fatal("expected error when every candidate fails")
	}
}

func TestNewProviderWithFallbackNoCandidates(t *testing.T) {
	if _, err := NewProviderWithFallback(config.LLMConfig{}); err == nil {
		t.Fatal("expected error when no provider is configured")
	}
}
