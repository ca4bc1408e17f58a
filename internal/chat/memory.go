package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"thefolder.dev/internal/ids"
)

var _ Repository = (*InMemory)(nil)

// InMemory implements Repository with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
	now      func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		now:      time.Now,
	}
}

func (r *InMemory) CreateSession(_ context.Context, s *Session) error {
	if s == nil || s.UserID == "" || s.Title == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	if s.ID == "" {
		s.ID = ids.At(now)
	}
	s.Active = true
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

// owned must be called with r.mu held.
func (r *InMemory) owned(id, ownerID string) (*Session, bool) {
	s, ok := r.sessions[id]
	if !ok || s.UserID != ownerID || !s.Active {
		return nil, false
	}
	return s, true
}

func (r *InMemory) GetSession(_ context.Context, id, ownerID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.owned(id, ownerID)
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *InMemory) ListSessions(_ context.Context, ownerID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.UserID == ownerID && s.Active {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemory) AppendMessage(_ context.Context, ownerID string, m *Message) (*Message, error) {
	if m == nil || !m.Role.Valid() {
		return nil, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.owned(m.SessionID, ownerID)
	if !ok {
		return nil, ErrNotFound
	}
	now := r.now().UTC()
	if hist := r.messages[s.ID]; len(hist) > 0 {
		if last := hist[len(hist)-1].CreatedAt; !now.After(last) {
			now = last.Add(time.Microsecond)
		}
	}
	cp := *m
	cp.ID = ids.At(now)
	cp.CreatedAt = now
	r.messages[s.ID] = append(r.messages[s.ID], &cp)

	s.MessageCount++
	s.TotalTokensUsed += cp.TokensUsed
	s.UpdatedAt = now

	out := cp
	return &out, nil
}

func (r *InMemory) ListMessages(_ context.Context, sessionID, ownerID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.owned(sessionID, ownerID); !ok {
		return nil, ErrNotFound
	}
	hist := r.messages[sessionID]
	if len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]*Message, 0, len(hist))
	for _, m := range hist {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (r *InMemory) UpdateTitle(_ context.Context, id, ownerID, title string) error {
	if title == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.owned(id, ownerID)
	if !ok {
		return ErrNotFound
	}
	s.Title = title
	s.UpdatedAt = r.now().UTC()
	return nil
}

func (r *InMemory) Deactivate(_ context.Context, id, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.owned(id, ownerID)
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	s.UpdatedAt = r.now().UTC()
	return nil
}

func (r *InMemory) Counts(_ context.Context, ownerID string) (int64, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sessions, messages int64
	for _, s := range r.sessions {
		if s.UserID == ownerID && s.Active {
			sessions++
			messages += int64(len(r.messages[s.ID]))
		}
	}
	return sessions, messages, nil
}
