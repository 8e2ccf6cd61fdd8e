package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/psi/logbook-agent/internal/backoff"
	openai "github.com/sashabaranov/go-openai"
)

// AzureOpenAIBackend talks to GPT models deployed on Azure OpenAI Service.
// Azure differs from direct OpenAI in URL shape (a per-resource endpoint
// plus an api-version query parameter) and in treating the "model" as a
// deployment name rather than a model ID.
type AzureOpenAIBackend struct {
	client       *openai.Client
	defaultModel string
	base         BaseBackend
}

// AzureOpenAIConfig holds configuration for the Azure OpenAI backend.
type AzureOpenAIConfig struct {
	Endpoint     string
	APIKey       string
	APIVersion   string
	DefaultModel string
	MaxRetries   int
}

// NewAzureOpenAIProvider creates an Azure OpenAI chat backend.
func NewAzureOpenAIProvider(cfg AzureOpenAIConfig) (*AzureOpenAIBackend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("azure: endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("azure: API key is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}

	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	clientConfig.APIVersion = cfg.APIVersion

	return &AzureOpenAIBackend{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseBackend("azure", cfg.MaxRetries, backoff.DefaultPolicy()),
	}, nil
}

func (p *AzureOpenAIBackend) Name() string { return "azure" }

// Complete sends a completion request to the configured Azure deployment.
func (p *AzureOpenAIBackend) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.client == nil {
		return nil, NewChatError("azure", req.Model, errors.New("azure openai client not initialized"))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewChatError("azure", "", errors.New("model/deployment name is required"))
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

func (p *AzureOpenAIBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *CompletionChunk, model string) {
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
func (p *AzureOpenAIBackend) convertMessages(messages []CompletionMessage, system string) []openai.ChatCompletionMessage {
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

func (p *AzureOpenAIBackend) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := AsChatError(err); ok {
		return ce.Class.Retryable()
	}

	errMsg := strings.ToLower(err.Error())
	for _, s := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "throttl"} {
		if strings.Contains(errMsg, s) {
			return true
		}
	}
	return false
}

func (p *AzureOpenAIBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsChatError(err) {
		return err
	}
	return NewChatError("azure", model, err)
}
