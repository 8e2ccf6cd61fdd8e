package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/psi/logbook-agent/internal/backoff"
)

// AnthropicBackend talks to Claude over the official SSE streaming API. It
// is the facility's default chat backend (config.LLMConfig.DefaultProvider
// is normally "anthropic").
type AnthropicBackend struct {
	client       anthropic.Client
	defaultModel string
	base         BaseBackend
}

// AnthropicConfig configures an AnthropicBackend. Only APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
}

// NewAnthropicProvider builds a Claude chat backend from config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicBackend{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseBackend("anthropic", cfg.MaxRetries, backoff.DefaultPolicy()),
	}, nil
}

func (p *AnthropicBackend) Name() string { return "anthropic" }

// Complete streams a chat completion from Claude. The returned channel
// receives Text chunks as they arrive, a final Done chunk carrying token
// usage, or an Error chunk if the request or the stream fails.
func (p *AnthropicBackend) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	chunks := make(chan *CompletionChunk)

	go func() {
		defer close(chunks)

		model := p.getModel(req.Model)
		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

		err := p.base.Retry(ctx, p.isRetryableError, func() error {
			s, createErr := p.createStream(ctx, req)
			if createErr != nil {
				return p.wrapError(createErr, model)
			}
			stream = s
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				chunks <- &CompletionChunk{Error: ctx.Err()}
				return
			}
			chunks <- &CompletionChunk{Error: fmt.Errorf("anthropic: %w", err)}
			return
		}

		p.processStream(stream, chunks, model)
	}()

	return chunks, nil
}

// createStream builds the Anthropic request and opens the SSE stream.
func (p *AnthropicBackend) createStream(ctx context.Context, req *CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages := p.convertMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds how many consecutive events with no visible
// effect (pings, unrecognized block types) we tolerate before treating the
// stream as malformed rather than spinning on it forever.
const maxEmptyStreamEvents = 300

// processStream drains the SSE stream, emitting one CompletionChunk per
// text delta and a final chunk carrying token usage.
func (p *AnthropicBackend) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *CompletionChunk, model string) {
	var inputTokens, outputTokens int
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		handled := false

		switch event.Type {
		case "message_start":
			if usage := event.AsMessageStart().Message.Usage; usage.InputTokens > 0 {
				inputTokens = int(usage.InputTokens)
			}
			handled = true

		case "content_block_delta":
			if delta := event.AsContentBlockDelta().Delta; delta.Type == "text_delta" && delta.Text != "" {
				chunks <- &CompletionChunk{Text: delta.Text}
				handled = true
			}

		case "message_delta":
			if usage := event.AsMessageDelta().Usage; usage.OutputTokens > 0 {
				outputTokens = int(usage.OutputTokens)
			}
			handled = true

		case "message_stop":
			chunks <- &CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- &CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if handled {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			chunks <- &CompletionChunk{Error: p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents), model)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &CompletionChunk{Error: p.wrapError(err, model)}
	}
}

// convertMessages maps the orchestrator's single-role conversation onto
// Anthropic's content-block message shape. System messages are dropped
// here since they travel via params.System instead.
func (p *AnthropicBackend) convertMessages(messages []CompletionMessage) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" || msg.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(block))
		} else {
			result = append(result, anthropic.NewUserMessage(block))
		}
	}
	return result
}

func (p *AnthropicBackend) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// getMaxTokens applies the facility default of 4096 output tokens, chosen
// to keep SYNTHESIZE answers within the 2-4 paragraph shape the orchestrator
// asks for without truncating mid-citation.
func (p *AnthropicBackend) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

func (p *AnthropicBackend) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := AsChatError(err); ok {
		return ce.Class.Retryable()
	}
	return IsRetryable(err)
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsChatError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		ce := NewChatError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		var payload anthropicErrorPayload
		if raw := apiErr.RawJSON(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &payload)
		}
		if payload.Error.Message != "" {
			ce = ce.WithMessage(payload.Error.Message)
		} else if ce.Message == "" {
			ce.Message = "anthropic request failed"
		}
		if payload.Error.Type != "" {
			ce = ce.WithCode(payload.Error.Type)
		}
		requestID := apiErr.RequestID
		if payload.RequestID != "" {
			requestID = payload.RequestID
		}
		if requestID != "" {
			ce = ce.WithRequestID(requestID)
		}
		return ce
	}

	return NewChatError("anthropic", model, err)
}
