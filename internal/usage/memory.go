package usage

import (
	"context"
	"sync"
)

var _ Store = (*InMemory)(nil)

type counterKey struct {
	identity string
	period   string
}

// InMemory keeps limits and counters in process.
type InMemory struct {
	mu       sync.RWMutex
	limits   map[string]int64
	counters map[counterKey]int64
}

func NewInMemory() *InMemory {
	return &InMemory{
		limits:   make(map[string]int64),
		counters: make(map[counterKey]int64),
	}
}

// SetLimit registers identityID with a monthly limit.
func (m *InMemory) SetLimit(identityID string, limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[identityID] = limit
}

func (m *InMemory) Balance(_ context.Context, identityID, period string) (Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit, ok := m.limits[identityID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	return Balance{Used: m.counters[counterKey{identityID, period}], Limit: limit}, nil
}

func (m *InMemory) Add(_ context.Context, identityID, period string, units int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.limits[identityID]; !ok {
		return ErrNotFound
	}
	m.counters[counterKey{identityID, period}] += units
	return nil
}
