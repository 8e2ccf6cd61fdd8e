package llm

import (
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name        string
		config      AnthropicConfig
		expectError bool
	}{
		{
			name: "valid config",
			config: AnthropicConfig{
				APIKey:       "test-key",
				MaxRetries:   3,
				DefaultModel: "claude-sonnet-4-20250514",
			},
			expectError: false,
		},
		{
			name:        "missing API key",
			config:      AnthropicConfig{MaxRetries: 3},
			expectError: true,
		},
		{
			name:        "defaults applied",
			config:      AnthropicConfig{APIKey: "test-key"},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewAnthropicProvider(tt.config)

			if tt.expectError {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if provider == nil {
				t.Fatal("expected provider but got nil")
			}
			if provider.defaultModel == "" {
				t.Error("defaultModel should have default value")
			}
		})
	}
}

func TestAnthropicProviderName(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if provider.Name() != "anthropic" {
		t.Errorf("expected name 'anthropic', got '%s'", provider.Name())
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	messages := []CompletionMessage{
		{Role: "system", Content: "ignored, travels via params.System"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: ""},
	}

	result := provider.convertMessages(messages)
	if len(result) != 2 {
		t.Fatalf("expected 2 messages (system and empty dropped), got %d", len(result))
	}
	if result[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("expected first message role user, got %v", result[0].Role)
	}
	if result[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("expected second message role assistant, got %v", result[1].Role)
	}
}

func TestAnthropicGetModel(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", DefaultModel: "claude-x"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if got := provider.getModel(""); got != "claude-x" {
		t.Errorf("getModel(\"\") = %q, want claude-x", got)
	}
	if got := provider.getModel("claude-y"); got != "claude-y" {
		t.Errorf("getModel(override) = %q, want claude-y", got)
	}
}

func TestAnthropicGetMaxTokens(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if got := provider.getMaxTokens(0); got != 4096 {
		t.Errorf("getMaxTokens(0) = %d, want 4096", got)
	}
	if got := provider.getMaxTokens(256); got != 256 {
		t.Errorf("getMaxTokens(256) = %d, want 256", got)
	}
}

func TestAnthropicIsRetryableError(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	rateLimited := NewChatError("anthropic", "claude", nil).WithStatus(429)
	if !provider.isRetryableError(rateLimited) {
		t.Error("rate limited ChatError should be retryable")
	}

	authErr := NewChatError("anthropic", "claude", nil).WithStatus(401)
	if provider.isRetryableError(authErr) {
		t.Error("auth ChatError should not be retryable")
	}

	if provider.isRetryableError(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestAnthropicWrapError(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	wrapped := provider.wrapError(errors.New("boom"), "claude-sonnet-4-20250514")
	ce, ok := AsChatError(wrapped)
	if !ok {
		t.Fatal("expected a ChatError")
	}
	if ce.Backend != "anthropic" {
		t.Errorf("expected backend anthropic, got %s", ce.Backend)
	}
	if ce.Model != "claude-sonnet-4-20250514" {
		t.Errorf("expected model to be preserved, got %s", ce.Model)
	}

	already := NewChatError("anthropic", "claude", errors.New("existing"))
	if provider.wrapError(already, "claude") != already {
		t.Error("wrapError should pass through an existing ChatError unchanged")
	}
}
