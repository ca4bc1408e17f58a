package orchestrator

import (
	"context"
	"errors"
	"net/http"

	"thefolder.dev/internal/auth"
	"thefolder.dev/internal/chat"
	"thefolder.dev/internal/provider"
)

// Kind classifies a failed operation. The string value is the wire error code.
type Kind string

const (
	KindInvalidInput  Kind = "invalid_input"
	KindUnauthorized  Kind = "unauthorized"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindNotFound      Kind = "not_found"
	KindRateLimited   Kind = "rate_limited"
	KindUpstreamQuota Kind = "upstream_quota_exhausted"
	KindUpstream      Kind = "upstream_error"
	KindPersistence   Kind = "persistence_error"
	KindInternal      Kind = "internal_error"
)

// Status maps the kind onto an HTTP status class.
func (k Kind) Status() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindQuotaExceeded:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamQuota:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the failure result of every orchestrator operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, chat.ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}

// Message returns the caller-facing text for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

func fromProvider(err error) *Error {
	err = provider.Classify(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindUpstream, "completion timed out", err)
	case errors.Is(err, context.Canceled):
		return newError(KindUpstream, "request cancelled", err)
	case errors.Is(err, provider.ErrRateLimited):
		return newError(KindRateLimited, "Rate limit exceeded. Please try again later.", err)
	case errors.Is(err, provider.ErrQuotaExhausted):
		return newError(KindUpstreamQuota, "Provider quota exceeded.", err)
	default:
		return newError(KindUpstream, "Failed to generate completion", err)
	}
}

func fromRepository(err error, write bool) *Error {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return newError(KindNotFound, "Chat session not found", err)
	case errors.Is(err, chat.ErrInvalidInput):
		return newError(KindInvalidInput, "invalid session data", err)
	case write:
		return newError(KindPersistence, "failed to store chat data", err)
	default:
		return newError(KindInternal, "failed to load chat data", err)
	}
}
