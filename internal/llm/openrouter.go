package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/psi/logbook-agent/internal/backoff"
	openai "github.com/sashabaranov/go-openai"
)

// OpenRouterBackend talks to OpenRouter's OpenAI-compatible API, which
// fronts OpenAI, Anthropic, Google, and open-source models behind a single
// endpoint with model IDs of the form "provider/model-name".
type OpenRouterBackend struct {
	client       *openai.Client
	defaultModel string
	base         BaseBackend
}

// OpenRouterConfig holds configuration for the OpenRouter backend.
type OpenRouterConfig struct {
	APIKey       string
	DefaultModel string
	AppName      string
	SiteURL      string
	MaxRetries   int
}

// NewOpenRouterProvider creates an OpenRouter chat backend.
func NewOpenRouterProvider(cfg OpenRouterConfig) (*OpenRouterBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "openai/gpt-4o"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = "https://openrouter.ai/api/v1"

	return &OpenRouterBackend{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseBackend("openrouter", cfg.MaxRetries, backoff.DefaultPolicy()),
	}, nil
}

func (p *OpenRouterBackend) Name() string { return "openrouter" }

// Complete sends a completion request to OpenRouter and returns a streaming response.
func (p *OpenRouterBackend) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.client == nil {
		return nil, NewChatError("openrouter", req.Model, errors.New("openrouter client not initialized"))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
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

func (p *OpenRouterBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *CompletionChunk, model string) {
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
func (p *OpenRouterBackend) convertMessages(messages []CompletionMessage, system string) []openai.ChatCompletionMessage {
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

func (p *OpenRouterBackend) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := AsChatError(err); ok {
		return ce.Class.Retryable()
	}

	errMsg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(errMsg, s) {
			return true
		}
	}
	return false
}

func (p *OpenRouterBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsChatError(err) {
		return err
	}
	return NewChatError("openrouter", model, err)
}
