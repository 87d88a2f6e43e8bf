package challenge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T, ttl time.Duration, maxAttempts int) (*MemoryStore, *Verifier, *clock, string) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	store := NewMemoryStore()
	id := "ch-1"
	if err := store.Create(context.Background(), Challenge{
		ID: id, Answer: "K7PX2M", ExpiresAt: clk.now().Add(ttl), MaxAttempts: maxAttempts, CreatedAt: clk.now(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	return store, NewVerifier(store).WithClock(clk.now), clk, id
}

func TestParseAnswer(t *testing.T) {
	cases := map[string]string{
		"k7px2m:1730200000:ch-1": "K7PX2M",
		"K7PX2M":                 "K7PX2M",
		" abc :x":                "ABC",
		"":                       "",
	}
	for in, want := range cases {
		if got := ParseAnswer(in); got != want {
			t.Fatalf("ParseAnswer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("ABC", "ABC") {
		t.Fatalf("equal strings must match")
	}
	if ConstantTimeEqual("ABC", "ABD") || ConstantTimeEqual("ABC", "ABCD") || ConstantTimeEqual("", "A") {
		t.Fatalf("different strings must not match")
	}
}

func TestVerifySuccessThenReplay(t *testing.T) {
	_, v, _, id := setup(t, time.Minute, 3)
	ctx := context.Background()
	if err := v.Verify(ctx, id, "k7px2m:123:"+id); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := v.Verify(ctx, id, "k7px2m:123:"+id); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("replay: got %v, want %v", err, ErrAlreadyUsed)
	}
}

func TestVerifyFourthWrongAnswerExhausts(t *testing.T) {
	store, v, _, id := setup(t, time.Minute, 3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := v.Verify(ctx, id, "WRONG1"); !errors.Is(err, ErrIncorrect) {
			t.Fatalf("attempt %d: got %v, want %v", i+1, err, ErrIncorrect)
		}
	}
	if c, _ := store.Get(ctx, id); c == nil || c.Attempts != 3 {
		t.Fatalf("attempts not persisted: %+v", c)
	}
	if err := v.Verify(ctx, id, "K7PX2M"); !errors.Is(err, ErrMaxAttempts) {
		t.Fatalf("4th attempt: got %v, want %v", err, ErrMaxAttempts)
	}
	if err := v.Verify(ctx, id, "K7PX2M"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after exhaustion: got %v, want %v", err, ErrNotFound)
	}
}

func TestVerifyExpiredRegardlessOfAnswer(t *testing.T) {
	_, v, clk, id := setup(t, time.Second, 3)
	clk.advance(1100 * time.Millisecond)
	ctx := context.Background()
	if err := v.Verify(ctx, id, "K7PX2M"); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want %v", err, ErrExpired)
	}
	if err := v.Verify(ctx, id, "K7PX2M"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired challenge must be gone, got %v", err)
	}
}

func TestVerifyMissingID(t *testing.T) {
	_, v, _, _ := setup(t, time.Minute, 3)
	if err := v.Verify(context.Background(), "", "K7PX2M"); !errors.Is(err, ErrMissingID) {
		t.Fatalf("got %v", err)
	}
}

func TestConcurrentCorrectSubmissionsExactlyOneWins(t *testing.T) {
	for round := 0; round < 50; round++ {
		_, v, _, id := setup(t, time.Minute, 10)
		const n = 8
		var wg sync.WaitGroup
		results := make(chan error, n)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				results <- v.Verify(context.Background(), id, "K7PX2M")
			}()
		}
		close(start)
		wg.Wait()
		close(results)
		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyUsed):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: %d submissions succeeded, want exactly 1", round, wins)
		}
	}
}

// gatedStore holds every Get until n readers have loaded the row, so all
// of them act on the same stale attempt count.
type gatedStore struct {
	*MemoryStore
	wg *sync.WaitGroup
}

func (g gatedStore) Get(ctx context.Context, id string) (*Challenge, error) {
	c, err := g.MemoryStore.Get(ctx, id)
	g.wg.Done()
	g.wg.Wait()
	return c, err
}

func TestConcurrentWrongGuessesRespectAttemptCeiling(t *testing.T) {
	const n, maxAttempts = 20, 3
	mem, _, clk, id := setup(t, time.Minute, maxAttempts)
	var readers sync.WaitGroup
	readers.Add(n)
	v := NewVerifier(gatedStore{MemoryStore: mem, wg: &readers}).WithClock(clk.now)

	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- v.Verify(context.Background(), id, "WRONG1")
		}()
	}
	wg.Wait()
	close(results)
	incorrect := 0
	for err := range results {
		switch {
		case errors.Is(err, ErrIncorrect):
			incorrect++
		case errors.Is(err, ErrMaxAttempts):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if incorrect != maxAttempts {
		t.Fatalf("%d guesses were compared, want %d", incorrect, maxAttempts)
	}
	if c, _ := mem.Get(context.Background(), id); c != nil {
		t.Fatalf("exhausted challenge should be deleted, got %+v", c)
	}
}

func TestIssueStoresUppercaseCode(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	iss := NewIssuer(store).WithClock(func() time.Time { return now })
	out, err := iss.Issue(context.Background(), Params{CodeLength: 8, TTL: 90 * time.Second, MaxAttempts: 4})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c, _ := store.Get(context.Background(), out.ID)
	if c == nil {
		t.Fatalf("challenge not stored")
	}
	if len(c.Answer) != 8 || strings.ToUpper(c.Answer) != c.Answer {
		t.Fatalf("bad code %q", c.Answer)
	}
	for _, r := range c.Answer {
		if !strings.ContainsRune(Alphabet, r) {
			t.Fatalf("code %q uses %q outside the alphabet", c.Answer, r)
		}
	}
	if !out.ExpiresAt.Equal(now.Add(90*time.Second)) || c.MaxAttempts != 4 {
		t.Fatalf("unexpected params: %+v %+v", out, c)
	}
	if !strings.HasPrefix(out.Image, "<svg") || !strings.HasSuffix(out.Image, "</svg>") {
		t.Fatalf("image is not svg: %.40s", out.Image)
	}
	if strings.Contains(out.Image, c.Answer) {
		t.Fatalf("svg must not carry the code as a contiguous string")
	}
	v := NewVerifier(store).WithClock(func() time.Time { return now })
	if err := v.Verify(context.Background(), out.ID, strings.ToLower(c.Answer)+":1:"+out.ID); err != nil {
		t.Fatalf("lowercase submission should pass: %v", err)
	}
}

func TestMemoryDeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	ctx := context.Background()
	_ = store.Create(ctx, Challenge{ID: "a", ExpiresAt: now.Add(-time.Second)})
	_ = store.Create(ctx, Challenge{ID: "b", ExpiresAt: now.Add(time.Minute)})
	n, _ := store.DeleteExpired(ctx, now)
	if n != 1 || store.Len() != 1 {
		t.Fatalf("swept %d, remaining %d", n, store.Len())
	}
}
