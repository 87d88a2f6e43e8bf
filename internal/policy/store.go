package policy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Armour007/aura-captcha/internal/observability"
)

// Store caches the policy row as an immutable snapshot. Readers never observe
// a partially applied update: the snapshot pointer is swapped atomically and
// every caller receives its own copy.
type Store struct {
	repo Repository
	snap atomic.Pointer[Settings]
	// serializes cold loads, reloads and updates
	mu sync.Mutex
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Get returns the cached policy, loading it on a cold cache.
func (s *Store) Get(ctx context.Context) (*Settings, error) {
	if cur := s.snap.Load(); cur != nil {
		observability.RecordCacheHit("policy", "settings")
		return cur.Clone(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.snap.Load(); cur != nil {
		observability.RecordCacheHit("policy", "settings")
		return cur.Clone(), nil
	}
	observability.RecordCacheMiss("policy", "settings")
	loaded, err := s.repo.LoadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	s.snap.Store(loaded)
	return loaded.Clone(), nil
}

// Reload drops the cached snapshot and reads storage again. On error the
// previous snapshot stays in place.
func (s *Store) Reload(ctx context.Context) (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded, err := s.repo.LoadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	s.snap.Store(loaded)
	return loaded.Clone(), nil
}

// Update persists patch and publishes the resulting snapshot.
func (s *Store) Update(ctx context.Context, patch Patch, editor string) (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.repo.Update(ctx, patch, editor)
	if err != nil {
		return nil, err
	}
	s.snap.Store(next)
	return next.Clone(), nil
}
