package challenge

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Alphabet excludes glyphs that are easy to confuse (0/O, 1/I).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Params are taken from the current policy.
type Params struct {
	CodeLength  int
	TTL         time.Duration
	MaxAttempts int
}

// Issued is returned to the client; the answer stays server side.
type Issued struct {
	ID        string    `json:"challenge_id"`
	Image     string    `json:"image"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Issuer struct {
	store Store
	now   func() time.Time
}

func NewIssuer(store Store) *Issuer {
	return &Issuer{store: store, now: time.Now}
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue creates and stores a new challenge.
func (i *Issuer) Issue(ctx context.Context, p Params) (Issued, error) {
	if p.CodeLength <= 0 {
		p.CodeLength = 6
	}
	if p.TTL <= 0 {
		p.TTL = 5 * time.Minute
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	code, err := randomCode(p.CodeLength)
	if err != nil {
		return Issued{}, err
	}
	now := i.now().UTC()
	c := Challenge{
		ID:          uuid.NewString(),
		Answer:      code,
		ExpiresAt:   now.Add(p.TTL),
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
	}
	if err := i.store.Create(ctx, c); err != nil {
		return Issued{}, fmt.Errorf("store challenge: %w", err)
	}
	return Issued{ID: c.ID, Image: RenderSVG(code), ExpiresAt: c.ExpiresAt}, nil
}

func randomCode(n int) (string, error) {
	limit := big.NewInt(int64(len(Alphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for k := 0; k < n; k++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		sb.WriteByte(Alphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// RenderSVG draws code with jittered glyphs and noise lines.
func RenderSVG(code string) string {
	const h = 60
	w := 28*len(code) + 24
	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`, w, h, w, h)
	fmt.Fprintf(&sb, `<rect width="100%%" height="100%%" fill="#f4f4f5"/>`)
	for k := 0; k < 6; k++ {
		fmt.Fprintf(&sb, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="%s" stroke-width="1.5"/>`,
			mrand.Intn(w), mrand.Intn(h), mrand.Intn(w), mrand.Intn(h), noiseColor())
	}
	for k, r := range code {
		x := 14 + k*28 + mrand.Intn(6)
		y := 38 + mrand.Intn(10)
		rot := mrand.Intn(40) - 20
		fmt.Fprintf(&sb, `<text x="%d" y="%d" font-family="monospace" font-size="30" font-weight="bold" fill="#27272a" transform="rotate(%d %d %d)">%c</text>`,
			x, y, rot, x, y, r)
	}
	for k := 0; k < 30; k++ {
		fmt.Fprintf(&sb, `<circle cx="%d" cy="%d" r="1" fill="%s"/>`, mrand.Intn(w), mrand.Intn(h), noiseColor())
	}
	sb.WriteString(`</svg>`)
	return sb.String()
}

func noiseColor() string {
	return fmt.Sprintf("#%02x%02x%02x", 120+mrand.Intn(100), 120+mrand.Intn(100), 120+mrand.Intn(100))
}
