package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"thefolder.dev/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory is a mutex-guarded Store for development and tests.
type InMemory struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	keys       map[string]*APIKey
}

func NewInMemory() *InMemory {
	return &InMemory{
		identities: make(map[string]*Identity),
		keys:       make(map[string]*APIKey),
	}
}

func (m *InMemory) Identities(context.Context) IdentityStore { return memIdentities{m} }
func (m *InMemory) APIKeys(context.Context) APIKeyStore      { return memKeys{m} }

type memIdentities struct{ m *InMemory }

func (s memIdentities) Create(_ context.Context, id *Identity) error {
	if id == nil || id.Email == "" {
		return ErrInvalidInput
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if id.ID == "" {
		id.ID = ids.New()
	}
	now := time.Now().UTC()
	if id.CreatedAt.IsZero() {
		id.CreatedAt = now
	}
	id.UpdatedAt = now
	cp := *id
	s.m.identities[id.ID] = &cp
	return nil
}

func (s memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	v, ok := s.m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

type memKeys struct{ m *InMemory }

func (s memKeys) Create(_ context.Context, key *APIKey) error {
	if key == nil || key.UserID == "" || key.KeyHash == "" {
		return ErrInvalidInput
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if key.ID == "" {
		key.ID = ids.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	cp := *key
	s.m.keys[key.ID] = &cp
	return nil
}

func (s memKeys) FindByHash(_ context.Context, hash string) (*APIKey, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, k := range s.m.keys {
		if k.KeyHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s memKeys) ListByUser(_ context.Context, userID string) ([]*APIKey, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.m.keys {
		if k.UserID == userID && k.Active {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s memKeys) Touch(_ context.Context, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k, ok := s.m.keys[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	k.LastUsedAt = &at
	k.UsageCount++
	return nil
}

func (s memKeys) Deactivate(_ context.Context, id, userID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k, ok := s.m.keys[id]
	if !ok || k.UserID != userID || !k.Active {
		return ErrNotFound
	}
	k.Active = false
	return nil
}
