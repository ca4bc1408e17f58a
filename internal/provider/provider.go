package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Message is one role-tagged turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a fully resolved generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage is provider-reported token accounting.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Result is a blocking generation outcome.
type Result struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Event is one item of a stream. A non-nil Err is terminal. Usage may arrive on the last event.
type Event struct {
	Delta        string
	FinishReason string
	Usage        *Usage
	Err          error
}

// Provider generates text. Stream closes its channel after the final event and
// stops producing once ctx is done.
type Provider interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

var (
	ErrRateLimited    = errors.New("provider: rate limit exceeded")
	ErrQuotaExhausted = errors.New("provider: quota exhausted")
	ErrUpstream       = errors.New("provider: upstream failure")
)

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status  int
	Code    string
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: status %d: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Message)
}

// Classify maps any provider failure onto ErrRateLimited, ErrQuotaExhausted or
// ErrUpstream, keeping the cause. Context errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrUpstream) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == "insufficient_quota" || apiErr.Type == "insufficient_quota":
			return fmt.Errorf("%w: %v", ErrQuotaExhausted, err)
		case apiErr.Status == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient_quota"):
		return fmt.Errorf("%w: %v", ErrQuotaExhausted, err)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
