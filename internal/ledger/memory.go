package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Ledger.
type Memory struct {
	mu       sync.RWMutex
	attempts []Attempt
	nextID   int64
	now      func() time.Time
}

func NewMemory() *Memory { return &Memory{now: time.Now} }

func (m *Memory) Append(ctx context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *Memory) CountFailures(ctx context.Context, ip string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts {
		if a.ClientIP == ip && !a.Success && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) OldestFailure(ctx context.Context, ip string, since time.Time) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest time.Time
	found := false
	for _, a := range m.attempts {
		if a.ClientIP != ip || a.Success || a.CreatedAt.Before(since) {
			continue
		}
		if !found || a.CreatedAt.Before(oldest) {
			oldest, found = a.CreatedAt, true
		}
	}
	return oldest, found, nil
}

func (m *Memory) CountLockedOutIPs(ctx context.Context, since time.Time, threshold int) (int, error) {
	if threshold <= 0 {
		return 0, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	perIP := map[string]int{}
	for _, a := range m.attempts {
		if !a.Success && !a.CreatedAt.Before(since) {
			perIP[a.ClientIP]++
		}
	}
	n := 0
	for _, c := range perIP {
		if c >= threshold {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(ctx context.Context, since, lockoutSince time.Time, threshold int) (Stats, error) {
	m.mu.RLock()
	var st Stats
	byProvider := map[string]*ProviderStats{}
	for _, a := range m.attempts {
		if a.CreatedAt.Before(since) {
			continue
		}
		st.Total++
		ps := byProvider[a.Provider]
		if ps == nil {
			ps = &ProviderStats{Provider: a.Provider}
			byProvider[a.Provider] = ps
		}
		ps.Total++
		if a.Success {
			st.Success++
			ps.Success++
		} else {
			ps.Failed++
		}
	}
	m.mu.RUnlock()
	for _, ps := range byProvider {
		st.ByProvider = append(st.ByProvider, *ps)
	}
	sort.Slice(st.ByProvider, func(i, j int) bool {
		if st.ByProvider[i].Total != st.ByProvider[j].Total {
			return st.ByProvider[i].Total > st.ByProvider[j].Total
		}
		return st.ByProvider[i].Provider < st.ByProvider[j].Provider
	})
	locked, _ := m.CountLockedOutIPs(ctx, lockoutSince, threshold)
	st.LockedOutIPs = locked
	finishStats(&st)
	return st, nil
}

func (m *Memory) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.attempts[:0]
	var removed int64
	for _, a := range m.attempts {
		if a.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return removed, nil
}

// Len returns the number of stored attempts.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.attempts)
}

// All returns a copy of the stored attempts in insertion order.
func (m *Memory) All() []Attempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Attempt(nil), m.attempts...)
}
