package ledger

import (
	"context"
	"testing"
	"time"
)

func seed(t *testing.T, m *Memory, base time.Time) {
	t.Helper()
	score := 0.9
	svc := "login"
	rows := []Attempt{
		{ClientIP: "1.1.1.1", Provider: "turnstile", Success: false, CreatedAt: base.Add(-20 * time.Minute)},
		{ClientIP: "1.1.1.1", Provider: "turnstile", Success: false, CreatedAt: base.Add(-10 * time.Minute)},
		{ClientIP: "1.1.1.1", Provider: "custom", Success: false, CreatedAt: base.Add(-5 * time.Minute)},
		{ClientIP: "1.1.1.1", Provider: "custom", Success: true, CreatedAt: base.Add(-4 * time.Minute)},
		{ClientIP: "2.2.2.2", Provider: "recaptcha_v3", Success: true, Score: &score, Service: &svc, CreatedAt: base.Add(-3 * time.Minute)},
		{ClientIP: "2.2.2.2", Provider: "unknown", Success: false, CreatedAt: base.Add(-2 * time.Minute)},
	}
	for _, a := range rows {
		if err := m.Append(context.Background(), a); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestMemoryFailureWindow(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	seed(t, m, now)
	ctx := context.Background()

	n, _ := m.CountFailures(ctx, "1.1.1.1", now.Add(-15*time.Minute))
	if n != 2 {
		t.Fatalf("failures in window = %d, want 2", n)
	}
	oldest, ok, _ := m.OldestFailure(ctx, "1.1.1.1", now.Add(-15*time.Minute))
	if !ok || !oldest.Equal(now.Add(-10*time.Minute)) {
		t.Fatalf("oldest failure = %v %v", oldest, ok)
	}
	if _, ok, _ := m.OldestFailure(ctx, "9.9.9.9", now.Add(-time.Hour)); ok {
		t.Fatalf("unknown ip should have no failures")
	}
	if n, _ := RecentFailures(ctx, m, "2.2.2.2", now.Add(-time.Hour)); n != 1 {
		t.Fatalf("recent failures = %d, want 1", n)
	}
}

func TestMemoryLockedOutIPs(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	seed(t, m, now)
	ctx := context.Background()
	if n, _ := m.CountLockedOutIPs(ctx, now.Add(-time.Hour), 3); n != 1 {
		t.Fatalf("locked out = %d, want 1", n)
	}
	if n, _ := m.CountLockedOutIPs(ctx, now.Add(-time.Hour), 1); n != 2 {
		t.Fatalf("locked out = %d, want 2", n)
	}
	if n, _ := m.CountLockedOutIPs(ctx, now.Add(-time.Hour), 0); n != 0 {
		t.Fatalf("threshold 0 must report 0, got %d", n)
	}
}

func TestMemoryStats(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	seed(t, m, now)
	st, err := m.Stats(context.Background(), now.Add(-time.Hour), now.Add(-time.Hour), 3)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 6 || st.Success != 2 || st.Failed != 4 || st.LockedOutIPs != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.SuccessRate < 0.33 || st.SuccessRate > 0.34 {
		t.Fatalf("success rate = %f", st.SuccessRate)
	}
	if len(st.ByProvider) != 4 || st.ByProvider[0].Total != 2 {
		t.Fatalf("by provider: %+v", st.ByProvider)
	}
	empty, _ := NewMemory().Stats(context.Background(), now, now, 5)
	if empty.SuccessRate != 0 || empty.ByProvider == nil {
		t.Fatalf("empty stats: %+v", empty)
	}
}

func TestMemoryPurge(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	seed(t, m, now)
	n, err := m.PurgeBefore(context.Background(), now.Add(-6*time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("purged %d (%v), want 2", n, err)
	}
	if m.Len() != 4 {
		t.Fatalf("remaining = %d", m.Len())
	}
}
