package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// RetryClass buckets a chat backend failure into a retry decision. Every
// provider's wrapError funnels through classifyStatus/classifyMessage so the
// orchestrator's completeJSON/completeText retry loops behave the same way
// regardless of which backend is configured.
type RetryClass string

const (
	RetryRateLimited  RetryClass = "rate_limited"
	RetryTimeout      RetryClass = "timeout"
	RetryUpstream5xx  RetryClass = "upstream_error"
	RetryAuth         RetryClass = "auth"
	RetryQuota        RetryClass = "quota"
	RetryBadRequest   RetryClass = "bad_request"
	RetryUnclassified RetryClass = "unclassified"
)

// Retryable reports whether a failure in this class is worth retrying with
// backoff. Auth, quota, and malformed-request failures never resolve on
// retry; rate limits, timeouts, and transient 5xxs usually do.
func (c RetryClass) Retryable() bool {
	switch c {
	case RetryRateLimited, RetryTimeout, RetryUpstream5xx:
		return true
	default:
		return false
	}
}

// ChatError is the error type every backend in this package returns from
// Complete. It carries enough of the upstream response for the orchestrator
// to log a useful failure and for the retry loop to decide whether another
// attempt is worth making.
type ChatError struct {
	Class     RetryClass
	Backend   string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ChatError) Error() string {
	parts := []string{fmt.Sprintf("[%s/%s]", e.Backend, e.Class)}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ChatError) Unwrap() error { return e.Cause }

// NewChatError wraps cause as a ChatError for backend/model, classifying it
// from the error text alone. Callers narrow the classification further with
// WithStatus/WithCode once the backend's SDK exposes that detail.
func NewChatError(backend, model string, cause error) *ChatError {
	e := &ChatError{Backend: backend, Model: model, Cause: cause, Class: RetryUnclassified}
	if cause != nil {
		e.Message = cause.Error()
		e.Class = classifyMessage(cause.Error())
	}
	return e
}

// WithStatus records the backend's HTTP status and reclassifies from it.
func (e *ChatError) WithStatus(status int) *ChatError {
	e.Status = status
	e.Class = classifyStatus(status)
	return e
}

// WithCode records a backend-specific error code, reclassifying when the
// code is one of the ones this package recognizes.
func (e *ChatError) WithCode(code string) *ChatError {
	e.Code = code
	if c := classifyCode(code); c != RetryUnclassified {
		e.Class = c
	}
	return e
}

// WithRequestID records the backend's request ID for support correlation.
func (e *ChatError) WithRequestID(id string) *ChatError {
	e.RequestID = id
	return e
}

// WithMessage overrides the human-readable message, e.g. with an upstream
// error body that describes the failure better than cause.Error() did.
func (e *ChatError) WithMessage(msg string) *ChatError {
	e.Message = msg
	return e
}

// classifyMessage scans lower-cased error text for the phrases every
// backend in this package tends to produce for a given failure mode. This
// is the fallback path used before a status code or error code is known.
func classifyMessage(msg string) RetryClass {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "timeout", "deadline exceeded", "context deadline", "etimedout"):
		return RetryTimeout
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "429"):
		return RetryRateLimited
	case containsAny(lower, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return RetryAuth
	case containsAny(lower, "billing", "payment", "quota", "insufficient", "402"):
		return RetryQuota
	case containsAny(lower, "model not found", "model_not_found", "does not exist", "unavailable", "400"):
		return RetryBadRequest
	case containsAny(lower, "internal server", "server error", "500", "502", "503", "504"):
		return RetryUpstream5xx
	default:
		return RetryUnclassified
	}
}

func classifyStatus(status int) RetryClass {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return RetryAuth
	case status == http.StatusPaymentRequired:
		return RetryQuota
	case status == http.StatusTooManyRequests:
		return RetryRateLimited
	case status == http.StatusBadRequest, status == http.StatusNotFound:
		return RetryBadRequest
	case status >= 500:
		return RetryUpstream5xx
	default:
		return RetryUnclassified
	}
}

func classifyCode(code string) RetryClass {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return RetryRateLimited
	case "authentication_error", "invalid_api_key":
		return RetryAuth
	case "billing_error", "insufficient_quota":
		return RetryQuota
	case "model_not_found", "model_not_available", "invalid_request_error":
		return RetryBadRequest
	case "server_error", "internal_error":
		return RetryUpstream5xx
	default:
		return RetryUnclassified
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// AsChatError extracts a ChatError from an error chain.
func AsChatError(err error) (*ChatError, bool) {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsChatError reports whether err wraps a ChatError.
func IsChatError(err error) bool {
	_, ok := AsChatError(err)
	return ok
}

// IsRetryable reports whether err, wrapped or raw, is worth retrying.
func IsRetryable(err error) bool {
	if ce, ok := AsChatError(err); ok {
		return ce.Class.Retryable()
	}
	if err == nil {
		return false
	}
	return classifyMessage(err.Error()).Retryable()
}
