package challenge

import (
	"errors"
	"strings"
	"time"
)

// Challenge is a single-use, time-limited self-hosted puzzle.
type Challenge struct {
	ID          string     `db:"id" json:"id"`
	Answer      string     `db:"answer" json:"-"`
	ExpiresAt   time.Time  `db:"expires_at" json:"expires_at"`
	UsedAt      *time.Time `db:"used_at" json:"used_at,omitempty"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"max_attempts"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

var (
	ErrMissingID   = errors.New("challenge id required")
	ErrNotFound    = errors.New("challenge not found")
	ErrExpired     = errors.New("challenge expired")
	ErrAlreadyUsed = errors.New("challenge already used")
	ErrMaxAttempts = errors.New("max attempts exceeded")
	ErrIncorrect   = errors.New("incorrect answer")
)

// ParseAnswer extracts the answer from a token of the form
// answer:timestamp:challengeId. Only the first segment is used.
func ParseAnswer(token string) string {
	answer, _, _ := strings.Cut(token, ":")
	return strings.ToUpper(strings.TrimSpace(answer))
}

// ConstantTimeEqual compares a and b without an early exit on the first
// differing byte.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
