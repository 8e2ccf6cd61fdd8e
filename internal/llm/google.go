package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"

	"github.com/psi/logbook-agent/internal/backoff"
	"google.golang.org/genai"
)

// GoogleBackend talks to Gemini through the Google Gen AI Go SDK.
type GoogleBackend struct {
	client       *genai.Client
	defaultModel string
	base         BaseBackend
}

// GoogleConfig configures a GoogleBackend. Only APIKey is required.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
}

// NewGoogleProvider builds a Gemini chat backend from config.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleBackend{
		client:       client,
		defaultModel: cfg.DefaultModel,
		base:         NewBaseBackend("google", cfg.MaxRetries, backoff.DefaultPolicy()),
	}, nil
}

func (p *GoogleBackend) Name() string { return "google" }

// Complete streams a chat completion from Gemini using the Go 1.23 iterator
// returned by GenerateContentStream.
func (p *GoogleBackend) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	chunks := make(chan *CompletionChunk)

	go func() {
		defer close(chunks)

		model := p.getModel(req.Model)
		contents := p.convertMessages(req.Messages)
		config := p.buildConfig(req)

		err := p.base.Retry(ctx, p.isRetryableError, func() error {
			streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			return p.processStream(ctx, streamIter, chunks, model)
		})
		if err != nil {
			if ctx.Err() != nil {
				chunks <- &CompletionChunk{Error: ctx.Err()}
				return
			}
			chunks <- &CompletionChunk{Error: p.wrapError(err, model)}
			return
		}

		chunks <- &CompletionChunk{Done: true}
	}()

	return chunks, nil
}

func (p *GoogleBackend) processStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *CompletionChunk, model string) error {
	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return p.wrapError(err, model)
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part != nil && part.Text != "" {
					chunks <- &CompletionChunk{Text: part.Text}
				}
			}
		}
	}
	return nil
}

func (p *GoogleBackend) convertMessages(messages []CompletionMessage) []*genai.Content {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == "system" || msg.Content == "" {
			continue
		}
		role := genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}
		result = append(result, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return result
}

func (p *GoogleBackend) buildConfig(req *CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	return config
}

func (p *GoogleBackend) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *GoogleBackend) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := AsChatError(err); ok {
		return ce.Class.Retryable()
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "rate limit"), strings.Contains(errMsg, "429"),
		strings.Contains(errMsg, "too many requests"), strings.Contains(errMsg, "resource exhausted"),
		strings.Contains(errMsg, "quota"):
		return true
	case strings.Contains(errMsg, "500"), strings.Contains(errMsg, "502"),
		strings.Contains(errMsg, "503"), strings.Contains(errMsg, "504"),
		strings.Contains(errMsg, "internal server error"), strings.Contains(errMsg, "bad gateway"),
		strings.Contains(errMsg, "service unavailable"), strings.Contains(errMsg, "gateway timeout"):
		return true
	case strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "deadline exceeded"):
		return true
	case strings.Contains(errMsg, "connection reset"), strings.Contains(errMsg, "connection refused"),
		strings.Contains(errMsg, "no such host"):
		return true
	default:
		return false
	}
}

func (p *GoogleBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsChatError(err) {
		return err
	}

	ce := NewChatError("google", model, err)
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401"), strings.Contains(errMsg, "unauthenticated"):
		ce = ce.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403"), strings.Contains(errMsg, "permission denied"):
		ce = ce.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404"), strings.Contains(errMsg, "not found"):
		ce = ce.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429"), strings.Contains(errMsg, "resource exhausted"):
		ce = ce.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "500"):
		ce = ce.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		ce = ce.WithStatus(http.StatusServiceUnavailable)
	}
	return ce
}
