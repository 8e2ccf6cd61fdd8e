// Package llm is the facility's LLM client (C1): a thin wrapper over a
// remote chat endpoint exposing a single chat(model, messages, stream)
// primitive to the orchestrator. It is intentionally opaque to prompt
// content and tool selection, both of which live in internal/orchestrator
// and internal/promptctx — the orchestrator resolves tool calls itself by
// asking the model for a JSON plan (see Loop.selectTools) rather than via
// any backend's native function-calling API, so this package carries no
// tool, attachment, or vision surface.
package llm

import (
	"context"
)

// LLMProvider is the chat completion backend every provider in this package
// implements. The orchestrator holds exactly one at a time, selected by
// NewProviderWithFallback.
type LLMProvider interface {
	// Complete streams a completion for req. The returned channel is closed
	// once the stream ends; a chunk with Error set terminates the stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the backend for logging and fallback-chain selection.
	Name() string
}

// CompletionRequest is a single chat(model, messages, stream) call.
type CompletionRequest struct {
	// Model selects the backend model (e.g. "claude-sonnet-4-20250514",
	// "gpt-4o"). Empty uses the provider's configured default.
	Model string `json:"model"`

	// System is the system prompt built by promptctx.SystemContext /
	// turn.Settings.SystemPromptTemplate.
	System string `json:"system,omitempty"`

	// Messages is the conversation sent to the model. The orchestrator
	// always sends a single synthetic user message per call (DECIDE_TOOLS,
	// SELECT_TOOLS, EVALUATE, SYNTHESIZE each build their own prompt string
	// rather than replaying message history natively).
	Messages []CompletionMessage `json:"messages"`

	// MaxTokens bounds the generated response. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls sampling randomness. 0 uses the provider default.
	Temperature float64 `json:"temperature,omitempty"`
}

// CompletionMessage is one turn of the conversation sent to the model.
type CompletionMessage struct {
	// Role is "user", "assistant", or "system".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content,omitempty"`
}

// CompletionChunk is one item of a streamed completion.
type CompletionChunk struct {
	// Text is partial response text, delivered incrementally.
	Text string `json:"text,omitempty"`

	// Done is true on the final chunk of a successful stream.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream when non-nil.
	Error error `json:"-"`

	// InputTokens and OutputTokens carry usage accounting reported by the
	// backend on the final chunk, for the request-rate logging described in
	// the ambient observability stack; the orchestrator itself does not
	// branch on these.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}
