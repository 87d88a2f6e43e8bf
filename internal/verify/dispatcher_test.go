package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Armour007/aura-captcha/internal/challenge"
	"github.com/Armour007/aura-captcha/internal/config"
	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/Armour007/aura-captcha/internal/provider"
)

type fakeProvider struct {
	kind       policy.Kind
	configured bool
	result     provider.Result
	panics     bool
	calls      int
}

func (f *fakeProvider) Kind() policy.Kind { return f.kind }
func (f *fakeProvider) Configured() bool  { return f.configured }
func (f *fakeProvider) Verify(ctx context.Context, token, ip string, minScore float64) provider.Result {
	f.calls++
	if f.panics {
		panic("provider exploded")
	}
	return f.result
}

type recorded struct {
	ip, provider, service string
	success               bool
}

type countingRecorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (c *countingRecorder) RecordAttempt(ctx context.Context, ip, provider string, success bool, score *float64, service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, recorded{ip, provider, service, success})
}

type failingPolicies struct{}

func (failingPolicies) Get(context.Context) (*policy.Settings, error) {
	return nil, errors.New("db down")
}

func newStore(t *testing.T, mut func(*policy.Patch)) *policy.Store {
	t.Helper()
	st := policy.NewStore(policy.NewMemoryRepository())
	if mut != nil {
		var p policy.Patch
		mut(&p)
		if _, err := st.Update(context.Background(), p, "test"); err != nil {
			t.Fatalf("update policy: %v", err)
		}
	}
	return st
}

func boolp(b bool) *bool { return &b }

func kindp(k policy.Kind) *policy.Kind { return &k }

func TestMissingTokenIsRecorded(t *testing.T) {
	rec := &countingRecorder{}
	d := NewDispatcher(newStore(t, nil), nil, nil, rec)
	for _, tok := range []string{"", DisabledToken} {
		res := d.Verify(context.Background(), Request{Token: tok, ClientIP: "1.1.1.1", Service: "login"})
		if res.Success || res.Error != ErrTokenRequired {
			t.Fatalf("token %q: %+v", tok, res)
		}
	}
	if len(rec.calls) != 2 || rec.calls[0].provider != ProviderUnknown || rec.calls[0].service != "login" {
		t.Fatalf("unexpected records: %+v", rec.calls)
	}
}

func TestDeclaredProviderIsUsedExclusively(t *testing.T) {
	ts := &fakeProvider{kind: policy.KindTurnstile, configured: true, result: provider.Result{Success: true}}
	hc := &fakeProvider{kind: policy.KindHCaptcha, configured: true, result: provider.Result{Err: "hcaptcha rejected the token"}}
	rec := &countingRecorder{}
	st := newStore(t, func(p *policy.Patch) { p.HCaptchaEnabled = boolp(true) })
	d := NewDispatcher(st, provider.NewRegistry(ts, hc), nil, rec)

	res := d.Verify(context.Background(), Request{Token: "tok", Provider: kindp(policy.KindHCaptcha)})
	if res.Success || res.Provider != "hcaptcha" || res.Error != "hcaptcha rejected the token" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if ts.calls != 0 {
		t.Fatalf("declared provider must not fall back to others")
	}
	if len(rec.calls) != 1 || rec.calls[0].provider != "hcaptcha" {
		t.Fatalf("records: %+v", rec.calls)
	}
}

func TestDisabledDeclaredProviderFallsToAutoDetect(t *testing.T) {
	ts := &fakeProvider{kind: policy.KindTurnstile, configured: true, result: provider.Result{Success: true}}
	hc := &fakeProvider{kind: policy.KindHCaptcha, configured: true, result: provider.Result{Success: true}}
	d := NewDispatcher(newStore(t, nil), provider.NewRegistry(ts, hc), nil, &countingRecorder{})
	res := d.Verify(context.Background(), Request{Token: "tok", Provider: kindp(policy.KindHCaptcha)})
	if !res.Success || res.Provider != "turnstile" || hc.calls != 0 {
		t.Fatalf("expected auto-detect via turnstile, got %+v (hcaptcha calls %d)", res, hc.calls)
	}
}

func TestAutoDetectOrderAndFirstSuccessWins(t *testing.T) {
	ts := &fakeProvider{kind: policy.KindTurnstile, configured: false}
	v3 := &fakeProvider{kind: policy.KindRecaptchaV3, configured: true, result: provider.Result{Err: "low score"}}
	v2 := &fakeProvider{kind: policy.KindRecaptchaV2, configured: true, result: provider.Result{Success: true}}
	hc := &fakeProvider{kind: policy.KindHCaptcha, configured: true, result: provider.Result{Success: true}}
	st := newStore(t, func(p *policy.Patch) {
		p.RecaptchaV3Enabled = boolp(true)
		p.RecaptchaV2Enabled = boolp(true)
		p.HCaptchaEnabled = boolp(true)
	})
	rec := &countingRecorder{}
	d := NewDispatcher(st, provider.NewRegistry(hc, v2, v3, ts), nil, rec)
	res := d.Verify(context.Background(), Request{Token: "tok"})
	if !res.Success || res.Provider != "recaptcha_v2" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if ts.calls != 0 || v3.calls != 1 || hc.calls != 0 {
		t.Fatalf("provider call order wrong: ts=%d v3=%d hc=%d", ts.calls, v3.calls, hc.calls)
	}
	if len(rec.calls) != 1 || !rec.calls[0].success || rec.calls[0].provider != "recaptcha_v2" {
		t.Fatalf("records: %+v", rec.calls)
	}
}

func TestOnlySelfHostedEnabledNoChallengeID(t *testing.T) {
	st := newStore(t, func(p *policy.Patch) { p.TurnstileEnabled = boolp(false) })
	registry := provider.FromConfig(config.Config{})
	rec := &countingRecorder{}
	d := NewDispatcher(st, registry, challenge.NewVerifier(challenge.NewMemoryStore()), rec)
	res := d.Verify(context.Background(), Request{Token: "abc", ClientIP: "9.9.9.9", Provider: kindp(policy.KindTurnstile)})
	if res.Success || res.Error != "No CAPTCHA provider could verify the token." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(rec.calls) != 1 || rec.calls[0].provider != ProviderUnknown || rec.calls[0].success {
		t.Fatalf("records: %+v", rec.calls)
	}
}

func TestChallengeRoute(t *testing.T) {
	store := challenge.NewMemoryStore()
	_ = store.Create(context.Background(), challenge.Challenge{ID: "c1", Answer: "ABC234", ExpiresAt: time.Now().Add(time.Minute), MaxAttempts: 3})
	rec := &countingRecorder{}
	d := NewDispatcher(newStore(t, nil), nil, challenge.NewVerifier(store), rec)

	res := d.Verify(context.Background(), Request{Token: "abc234:1:c1", ChallengeID: "c1", Provider: kindp(policy.KindCustom)})
	if !res.Success || res.Provider != "custom" {
		t.Fatalf("expected success: %+v", res)
	}
	res = d.Verify(context.Background(), Request{Token: "abc234:1:c1", ChallengeID: "c1"})
	if res.Success || res.Error != "challenge already used" {
		t.Fatalf("replay via auto-detect: %+v", res)
	}
	res = d.Verify(context.Background(), Request{Token: "abc234", Provider: kindp(policy.KindCustom)})
	if res.Error != "challenge id required" {
		t.Fatalf("missing id: %+v", res)
	}
	if len(rec.calls) != 3 {
		t.Fatalf("expected 3 records, got %d", len(rec.calls))
	}
}

func TestPanicIsRecoveredAndRecordedOnce(t *testing.T) {
	ts := &fakeProvider{kind: policy.KindTurnstile, configured: true, panics: true}
	rec := &countingRecorder{}
	d := NewDispatcher(newStore(t, nil), provider.NewRegistry(ts), nil, rec)
	res := d.Verify(context.Background(), Request{Token: "tok", Provider: kindp(policy.KindTurnstile)})
	if res.Success || res.Error != ErrGeneric {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(rec.calls))
	}
}

func TestPolicyErrorFailsClosed(t *testing.T) {
	rec := &countingRecorder{}
	d := NewDispatcher(failingPolicies{}, nil, nil, rec)
	res := d.Verify(context.Background(), Request{Token: "tok"})
	if res.Success || res.Error != ErrGeneric || len(rec.calls) != 1 {
		t.Fatalf("unexpected: %+v records=%d", res, len(rec.calls))
	}
}
