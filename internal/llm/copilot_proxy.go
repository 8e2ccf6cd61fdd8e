package llm

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/psi/logbook-agent/internal/backoff"
	openai "github.com/sashabaranov/go-openai"
)

// CopilotProxyBackend talks to a local Copilot Proxy instance, a VS Code
// extension that exposes GitHub Copilot's models behind an OpenAI-compatible
// endpoint. Useful for facility staff who already carry a Copilot seat and
// want to route the orchestrator through it without a separate API key.
type CopilotProxyBackend struct {
	client       *openai.Client
	baseURL      string
	defaultModel string
	base         BaseBackend
}

// CopilotProxyConfig holds configuration for the Copilot Proxy backend.
type CopilotProxyConfig struct {
	BaseURL      string
	DefaultModel string
	MaxRetries   int
}

// NewCopilotProxyProvider creates a Copilot Proxy chat backend.
func NewCopilotProxyProvider(cfg CopilotProxyConfig) (*CopilotProxyBackend, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:3000/v1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-5.2"
	}

	clientConfig := openai.DefaultConfig("n/a") // local proxy does not require an API key
	clientConfig.BaseURL = baseURL

	return &CopilotProxyBackend{
		client:       openai.NewClientWithConfig(clientConfig),
		baseURL:      baseURL,
		defaultModel: cfg.DefaultModel,
		base:         NewBaseBackend("copilot-proxy", cfg.MaxRetries, backoff.DefaultPolicy()),
	}, nil
}

func (p *CopilotProxyBackend) Name() string { return "copilot-proxy" }

// Complete sends a completion request to the Copilot Proxy.
func (p *CopilotProxyBackend) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.client == nil {
		return nil, NewChatError("copilot-proxy", req.Model, errors.New("client not initialized"))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewChatError("copilot-proxy", "", errors.New("model is required"))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	var stream *openai.ChatCompletionStream
	err := p.base.Retry(ctx, p.isRetryableError, func() error {
		s, streamErr := p.client.CreateChatCompletionStream(ctx, chatReq)
		if streamErr != nil {
			return p.wrapError(streamErr, model)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *CopilotProxyBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			chunks <- &CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- &CompletionChunk{Done: true}
				return
			}
			chunks <- &CompletionChunk{Error: p.wrapError(err, model), Done: true}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		if content := response.Choices[0].Delta.Content; content != "" {
			chunks <- &CompletionChunk{Text: content}
		}
	}
}

// convertMessages maps the single-role conversation onto OpenAI's chat
// message shape, prefixing the system prompt as its own message.
func (p *CopilotProxyBackend) convertMessages(messages []CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		result = append(result, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	return result
}

func (p *CopilotProxyBackend) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := AsChatError(err); ok {
		return ce.Class.Retryable()
	}
	return false
}

func (p *CopilotProxyBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsChatError(err) {
		return err
	}
	return NewChatError("copilot-proxy", model, err)
}

// CheckHealth verifies connectivity to the Copilot Proxy, used by the
// facility's readiness probe before the backend is added to a fallback chain.
func (p *CopilotProxyBackend) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.client.ListModels(ctx)
	if err != nil {
		return NewChatError("copilot-proxy", "", err)
	}
	return nil
}
