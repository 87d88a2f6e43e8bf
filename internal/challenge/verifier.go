package challenge

import (
	"context"
	"fmt"
	"time"
)

// Verifier runs the self-hosted challenge state machine:
// issued -> (verifying)* -> consumed | expired | attempts-exhausted.
type Verifier struct {
	store Store
	now   func() time.Time
}

func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store, now: time.Now}
}

// WithClock replaces the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks token against challenge id. It returns nil on success, one of
// the lifecycle sentinel errors on rejection, or a wrapped storage error.
func (v *Verifier) Verify(ctx context.Context, id, token string) error {
	if id == "" {
		return ErrMissingID
	}
	c, err := v.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load challenge: %w", err)
	}
	if c == nil {
		return ErrNotFound
	}
	now := v.now()
	if now.After(c.ExpiresAt) {
		if err := v.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete expired challenge: %w", err)
		}
		return ErrExpired
	}
	if c.UsedAt != nil {
		return ErrAlreadyUsed
	}
	if c.Attempts >= c.MaxAttempts {
		if err := v.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete exhausted challenge: %w", err)
		}
		return ErrMaxAttempts
	}
	// a wrong guess still spends an attempt; the guess is only compared once
	// the store has granted one
	got, err := v.store.IncrementAttempts(ctx, id)
	if err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}
	if !got {
		if err := v.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete exhausted challenge: %w", err)
		}
		return ErrMaxAttempts
	}
	if !ConstantTimeEqual(ParseAnswer(token), c.Answer) {
		return ErrIncorrect
	}
	won, err := v.store.MarkUsed(ctx, id, now)
	if err != nil {
		return fmt.Errorf("mark challenge used: %w", err)
	}
	if !won {
		return ErrAlreadyUsed
	}
	return nil
}
