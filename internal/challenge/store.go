package challenge

import (
	"context"
	"sync"
	"time"
)

// Store persists challenges.
type Store interface {
	Create(ctx context.Context, c Challenge) error
	// Get returns nil, nil when id is unknown.
	Get(ctx context.Context, id string) (*Challenge, error)
	// IncrementAttempts spends one attempt only while the challenge is unused
	// and under its ceiling, and reports whether this call got one.
	IncrementAttempts(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	// MarkUsed sets used_at only if it is still unset and reports whether
	// this call performed the transition.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Challenge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]Challenge{}}
}

func (m *MemoryStore) Create(ctx context.Context, c Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[c.ID] = c
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	if c.UsedAt != nil {
		at := *c.UsedAt
		c.UsedAt = &at
	}
	return &c, nil
}

func (m *MemoryStore) IncrementAttempts(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.UsedAt != nil || c.Attempts >= c.MaxAttempts {
		return false, nil
	}
	c.Attempts++
	m.rows[id] = c
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *MemoryStore) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.UsedAt != nil {
		return false, nil
	}
	c.UsedAt = &at
	m.rows[id] = c
	return true, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.rows {
		if now.After(c.ExpiresAt) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored challenges.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
