package provider

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Armour007/aura-captcha/internal/observability"
)

// CircuitBreaker opens after threshold consecutive failures and stays open
// for openFor.
type CircuitBreaker struct {
	name       string
	mu         sync.Mutex
	failures   int
	openedTill time.Time
	threshold  int
	openFor    time.Duration
	open       bool
	now        func() time.Time
}

var (
	breakersMu         sync.Mutex
	breakers           = map[string]*CircuitBreaker{}
	cbDefaultThreshold = envInt("AURA_CB_THRESHOLD", 5)
	cbDefaultOpenSec   = envInt("AURA_CB_OPEN_SECONDS", 30)
)

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetBreaker returns the process-wide breaker for name.
func GetBreaker(name string) *CircuitBreaker {
	breakersMu.Lock()
	defer breakersMu.Unlock()
	if b, ok := breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, cbDefaultThreshold, time.Duration(cbDefaultOpenSec)*time.Second)
	breakers[name] = b
	return b
}

func NewBreaker(name string, threshold int, openFor time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	b := &CircuitBreaker{name: name, threshold: threshold, openFor: openFor, now: time.Now}
	observability.SetBreakerState(name, false)
	return b
}

func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.openedTill) {
		b.open = true
		observability.SetBreakerState(b.name, true)
		return false
	}
	if b.open { // half-open: let the next call through
		b.open = false
		observability.SetBreakerState(b.name, false)
	}
	return true
}

func (b *CircuitBreaker) ReportSuccess() {
	b.mu.Lock()
	b.failures = 0
	if b.open {
		b.open = false
		observability.SetBreakerState(b.name, false)
	}
	b.mu.Unlock()
}

func (b *CircuitBreaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedTill = b.now().Add(b.openFor)
		b.failures = 0
		b.open = true
		observability.SetBreakerState(b.name, true)
	}
}
