package policy

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps the policy in process memory.
type MemoryRepository struct {
	mu  sync.Mutex
	row *Settings
	now func() time.Time

	// Loads counts LoadOrCreate calls; tests use it to observe caching.
	Loads int
	// Err, when set, is returned by every call.
	Err error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: time.Now}
}

func (m *MemoryRepository) LoadOrCreate(ctx context.Context) (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Loads++
	if m.Err != nil {
		return nil, m.Err
	}
	m.ensure()
	return m.row.Clone(), nil
}

func (m *MemoryRepository) Update(ctx context.Context, patch Patch, editor string) (*Settings, error) {
	if problems := patch.Validate(); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.ensure()
	next := m.row.Clone()
	patch.Apply(next)
	next.Version++
	next.UpdatedAt = m.now().UTC()
	if editor != "" {
		next.UpdatedBy = &editor
	}
	m.row = next
	return next.Clone(), nil
}

func (m *MemoryRepository) ensure() {
	if m.row == nil {
		def := Defaults()
		def.UpdatedAt = m.now().UTC()
		m.row = &def
	}
}
