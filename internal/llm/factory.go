package llm

import (
	"fmt"

	"github.com/psi/logbook-agent/internal/config"
)

// NewProvider constructs the named LLM provider from its configuration entry
// in llmCfg.Providers. name is one of "anthropic", "openai", "google",
// "azure", "bedrock", "ollama", "openrouter", or "copilot_proxy".
func NewProvider(name string, llmCfg config.LLMConfig) (LLMProvider, error) {
	pc := llmCfg.Providers[name]

	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
		})
	case "google":
		return NewGoogleProvider(GoogleConfig{
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
		})
	case "azure":
		return NewAzureOpenAIProvider(AzureOpenAIConfig{
			Endpoint:     pc.BaseURL,
			APIKey:       pc.APIKey,
			APIVersion:   pc.APIVersion,
			DefaultModel: pc.DefaultModel,
		})
	case "bedrock":
		return NewBedrockProvider(BedrockConfig{
			Region:       llmCfg.Bedrock.Region,
			DefaultModel: pc.DefaultModel,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}), nil
	case "openrouter":
		return NewOpenRouterProvider(OpenRouterConfig{
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
		})
	case "copilot_proxy":
		return NewCopilotProxyProvider(CopilotProxyConfig{
			BaseURL: pc.BaseURL,
		})
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", name)
	}
}

// NewProviderWithFallback builds llmCfg.DefaultProvider, falling back through
// llmCfg.FallbackChain in order if construction fails (e.g. missing API key).
func NewProviderWithFallback(llmCfg config.LLMConfig) (LLMProvider, error) {
	candidates := append([]string{llmCfg.DefaultProvider}, llmCfg.FallbackChain...)

	var lastErr error
	for _, name := range candidates {
		if name == "" {
			continue
		}
		provider, err := NewProvider(name, llmCfg)
		if err == nil {
			return provider, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("llm: no provider configured")
	}
	return nil, lastErr
}
