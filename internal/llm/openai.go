package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/psi/logbook-agent/internal/backoff"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend talks to the OpenAI chat completions API.
type OpenAIBackend struct {
	client       *openai.Client
	defaultModel string
	base         BaseBackend
}

// OpenAIConfig configures an OpenAIBackend.
type OpenAIConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
}

// NewOpenAIProvider creates an OpenAI chat backend from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	return &OpenAIBackend{
		client:       openai.NewClient(cfg.APIKey),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseBackend("openai", cfg.MaxRetries, backoff.DefaultPolicy()),
	}, nil
}

func (p *OpenAIBackend) Name() string { return "openai" }

// Complete sends a completion request and streams the response back.
func (p *OpenAIBackend) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.client == nil {
		return nil, NewChatError("openai", req.Model, errors.New("openai client not initialized"))
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

func (p *OpenAIBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *CompletionChunk, model string) {
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
func (p *OpenAIBackend) convertMessages(messages []CompletionMessage, system string) []openai.ChatCompletionMessage {
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

func (p *OpenAIBackend) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := AsChatError(err); ok {
		return ce.Class.Retryable()
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "rate limit"), strings.Contains(errMsg, "429"):
		return true
	case strings.Contains(errMsg, "500"), strings.Contains(errMsg, "502"),
		strings.Contains(errMsg, "503"), strings.Contains(errMsg, "504"):
		return true
	case strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "deadline exceeded"):
		return true
	default:
		return false
	}
}

func (p *OpenAIBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsChatError(err) {
		return err
	}

	ce := NewChatError("openai", model, err)
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401"):
		ce = ce.WithStatus(401)
	case strings.Contains(errMsg, "403"):
		ce = ce.WithStatus(403)
	case strings.Contains(errMsg, "429"):
		ce = ce.WithStatus(429)
	case strings.Contains(errMsg, "500"):
		ce = ce.WithStatus(500)
	}
	return ce
}
