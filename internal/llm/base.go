package llm

import (
	"context"

	"github.com/psi/logbook-agent/internal/backoff"
)

// BaseBackend holds the retry policy shared by the chat backends in this
// package. Each provider except Ollama embeds one and calls Retry around its stream
// creation call so a dropped connection or a rate limit doesn't surface as
// a hard failure to the orchestrator.
type BaseBackend struct {
	name        string
	maxAttempts int
	policy      backoff.BackoffPolicy
}

// NewBaseBackend builds a BaseBackend for name with maxAttempts attempts
// (values <= 0 default to 3) using policy. A zero policy falls back to
// backoff.DefaultPolicy.
func NewBaseBackend(name string, maxAttempts int, policy backoff.BackoffPolicy) BaseBackend {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if policy == (backoff.BackoffPolicy{}) {
		policy = backoff.DefaultPolicy()
	}
	return BaseBackend{name: name, maxAttempts: maxAttempts, policy: policy}
}

// Retry runs op, retrying with backoff while isRetryable(err) holds, up to
// the backend's configured attempt count. It stops immediately on a
// non-retryable error rather than sleeping through the remaining attempts.
func (b *BaseBackend) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if isRetryable == nil || !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == b.maxAttempts {
			break
		}
		if err := backoff.SleepWithContext(ctx, backoff.ComputeBackoff(b.policy, attempt)); err != nil {
			return err
		}
	}
	return lastErr
}
