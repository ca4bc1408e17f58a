package orchestrator

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"thefolder.dev/internal/chat"
	"thefolder.dev/internal/provider"
)

const (
	maxTitleLen        = 100
	maxSystemPromptLen = 2000
	maxMaxTokens       = 4000
	maxTemperature     = 2.0
)

// ChatMessage is a caller-supplied turn of a stateless completion.
type ChatMessage struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

// CompletionRequest is a stateless completion.
type CompletionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"maxTokens,omitempty"`
}

func (r CompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return newError(KindInvalidInput, "messages must not be empty", nil)
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return newError(KindInvalidInput, fmt.Sprintf("messages[%d].role must be one of system, user, assistant", i), nil)
		}
	}
	return validateParams(r.Temperature, r.MaxTokens)
}

func (r CompletionRequest) contents() []string {
	out := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, m.Content)
	}
	return out
}

func (r CompletionRequest) providerMessages() []provider.Message {
	out := make([]provider.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// MessageRequest is a session-bound user message.
type MessageRequest struct {
	// SessionID may repeat the session id of the route; it must match when set.
	SessionID   string   `json:"sessionId,omitempty"`
	Message     string   `json:"message"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

func (r MessageRequest) validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return newError(KindInvalidInput, "message must not be empty", nil)
	}
	return validateParams(r.Temperature, r.MaxTokens)
}

// CreateSessionRequest opens a new session.
type CreateSessionRequest struct {
	Title        string `json:"title"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

func (r CreateSessionRequest) validate() error {
	if err := validateTitle(r.Title); err != nil {
		return err
	}
	if utf8.RuneCountInString(r.SystemPrompt) > maxSystemPromptLen {
		return newError(KindInvalidInput, fmt.Sprintf("systemPrompt must be at most %d characters", maxSystemPromptLen), nil)
	}
	return nil
}

func validateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLen {
		return newError(KindInvalidInput, fmt.Sprintf("title is required and must be at most %d characters", maxTitleLen), nil)
	}
	return nil
}

func validateParams(temperature *float64, maxTokens *int) error {
	if temperature != nil && (*temperature < 0 || *temperature > maxTemperature) {
		return newError(KindInvalidInput, "temperature must be between 0 and 2", nil)
	}
	if maxTokens != nil && (*maxTokens < 1 || *maxTokens > maxMaxTokens) {
		return newError(KindInvalidInput, fmt.Sprintf("maxTokens must be between 1 and %d", maxMaxTokens), nil)
	}
	return nil
}

// Choice is one generated alternative.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Completion is the blocking completion envelope.
type Completion struct {
	ID            string         `json:"id"`
	Object        string         `json:"object"`
	Created       int64          `json:"created"`
	Model         string         `json:"model"`
	Choices       []Choice       `json:"choices"`
	Usage         provider.Usage `json:"usage"`
	UsageRecorded bool           `json:"usage_recorded"`
}

// Exchange is the result of a session-bound message.
type Exchange struct {
	SessionID        string         `json:"session_id"`
	UserMessage      *chat.Message  `json:"userMessage"`
	AssistantMessage *chat.Message  `json:"assistantMessage"`
	Usage            provider.Usage `json:"usage"`
	UsageRecorded    bool           `json:"usage_recorded"`
}

// SessionView is a session with its ordered history.
type SessionView struct {
	Session  *chat.Session   `json:"session"`
	Messages []*chat.Message `json:"messages"`
}

// StreamResult summarizes a finished stream for logging.
type StreamResult struct {
	Deltas        int
	Completed     bool
	Cancelled     bool
	UnitsRecorded int64
	Duration      time.Duration
}
