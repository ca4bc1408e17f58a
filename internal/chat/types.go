package chat

import (
	"context"
	"errors"
	"time"
)

// Role tags a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the closed set of roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Session is an owned conversation. Sessions are deactivated, never deleted.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	Model           string    `json:"model"`
	SystemPrompt    string    `json:"system_prompt,omitempty"`
	Active          bool      `json:"is_active"`
	TotalTokensUsed int64     `json:"total_tokens_used"`
	MessageCount    int64     `json:"message_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Message is an immutable entry of a session's history.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	TokensUsed int64          `json:"tokens_used"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

const (
	DefaultSessionLimit = 50
	DefaultHistoryLimit = 100
)

var (
	ErrNotFound     = errors.New("chat: session not found")
	ErrInvalidInput = errors.New("chat: invalid input")
)

// Repository stores sessions and messages. Every read and write is scoped by owner.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	// GetSession returns ErrNotFound when the session is absent, inactive or owned by someone else.
	GetSession(ctx context.Context, id, ownerID string) (*Session, error)
	// ListSessions returns active sessions, most recently updated first.
	ListSessions(ctx context.Context, ownerID string, limit int) ([]*Session, error)
	// AppendMessage assigns ID and CreatedAt and updates the session's counters.
	AppendMessage(ctx context.Context, ownerID string, m *Message) (*Message, error)
	// ListMessages returns the latest limit messages in creation order.
	ListMessages(ctx context.Context, sessionID, ownerID string, limit int) ([]*Message, error)
	UpdateTitle(ctx context.Context, id, ownerID, title string) error
	Deactivate(ctx context.Context, id, ownerID string) error
	Counts(ctx context.Context, ownerID string) (sessions, messages int64, err error)
}
