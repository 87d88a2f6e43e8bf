package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/Armour007/aura-captcha/internal/challenge"
	"github.com/Armour007/aura-captcha/internal/observability"
	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/Armour007/aura-captcha/internal/provider"
	"go.uber.org/zap"
)

// DisabledToken is what widgets submit when verification is switched off
// client side. It is never accepted as a real token.
const DisabledToken = "captcha-disabled"

const (
	ErrTokenRequired = "CAPTCHA token is required"
	ErrNoProvider    = "No CAPTCHA provider could verify the token."
	ErrGeneric       = "verification failed"
)

// ProviderUnknown is recorded when no single provider owns the outcome.
const ProviderUnknown = "unknown"

type Request struct {
	Token    string
	ClientIP string
	// Provider is the kind the client claims issued the token, if any.
	Provider    *policy.Kind
	ChallengeID string
	Service     string
}

type Result struct {
	Success  bool     `json:"success"`
	Provider string   `json:"provider"`
	Score    *float64 `json:"score,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// PolicySource supplies the current policy snapshot.
type PolicySource interface {
	Get(ctx context.Context) (*policy.Settings, error)
}

// ChallengeVerifier checks self-hosted challenge answers.
type ChallengeVerifier interface {
	Verify(ctx context.Context, id, token string) error
}

// Recorder receives exactly one call per Verify.
type Recorder interface {
	RecordAttempt(ctx context.Context, ip, provider string, success bool, score *float64, service string)
}

type Dispatcher struct {
	policies   PolicySource
	providers  *provider.Registry
	challenges ChallengeVerifier
	recorder   Recorder
}

func NewDispatcher(policies PolicySource, providers *provider.Registry, challenges ChallengeVerifier, recorder Recorder) *Dispatcher {
	if providers == nil {
		providers = provider.NewRegistry()
	}
	return &Dispatcher{policies: policies, providers: providers, challenges: challenges, recorder: recorder}
}

// Verify routes token to the right provider. It never panics and never
// returns a Go error: every outcome, including internal faults, is a Result.
func (d *Dispatcher) Verify(ctx context.Context, req Request) (res Result) {
	res.Provider = ProviderUnknown
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("captcha verification panicked",
				zap.Any("panic", r),
				zap.String("provider", res.Provider),
				zap.String("client_ip", req.ClientIP))
			res = Result{Provider: res.Provider, Error: ErrGeneric}
		}
		if res.Provider == "" {
			res.Provider = ProviderUnknown
		}
		observability.RecordVerify(res.Provider, res.Success)
		d.record(ctx, req, res)
	}()

	if req.Token == "" || req.Token == DisabledToken {
		res.Error = ErrTokenRequired
		return res
	}
	settings, err := d.policies.Get(ctx)
	if err != nil {
		zap.L().Error("captcha policy unavailable during verify", zap.Error(err))
		res.Error = ErrGeneric
		return res
	}

	if req.Provider != nil {
		k := *req.Provider
		switch {
		case k == policy.KindCustom && settings.CustomEnabled:
			return d.verifyChallenge(ctx, req)
		case k.ThirdParty() && settings.ProviderEnabled(k):
			return d.verifyThirdParty(ctx, k, req, settings.MinScore)
		}
	}
	return d.autoDetect(ctx, req, settings)
}

func (d *Dispatcher) autoDetect(ctx context.Context, req Request, settings *policy.Settings) Result {
	if req.ChallengeID != "" && settings.CustomEnabled {
		return d.verifyChallenge(ctx, req)
	}
	for _, v := range d.providers.Ordered() {
		if !v.Configured() || !settings.ProviderEnabled(v.Kind()) {
			continue
		}
		r := v.Verify(ctx, req.Token, req.ClientIP, settings.MinScore)
		if r.Success {
			return Result{Success: true, Provider: string(v.Kind()), Score: r.Score}
		}
		zap.L().Debug("captcha auto-detect candidate rejected",
			zap.String("provider", string(v.Kind())),
			zap.String("reason", r.Err))
	}
	return Result{Provider: ProviderUnknown, Error: ErrNoProvider}
}

func (d *Dispatcher) verifyThirdParty(ctx context.Context, k policy.Kind, req Request, minScore float64) Result {
	v := d.providers.Get(k)
	if v == nil {
		return Result{Provider: string(k), Error: fmt.Sprintf("%s secret not configured", k)}
	}
	r := v.Verify(ctx, req.Token, req.ClientIP, minScore)
	return Result{Success: r.Success, Provider: string(k), Score: r.Score, Error: r.Err}
}

func (d *Dispatcher) verifyChallenge(ctx context.Context, req Request) Result {
	res := Result{Provider: string(policy.KindCustom)}
	if d.challenges == nil {
		res.Error = ErrGeneric
		return res
	}
	err := d.challenges.Verify(ctx, req.ChallengeID, req.Token)
	switch {
	case err == nil:
		res.Success = true
		observability.RecordChallenge("passed")
	case isLifecycle(err):
		res.Error = err.Error()
		observability.RecordChallenge("rejected")
	default:
		zap.L().Error("challenge verification failed", zap.String("challenge_id", req.ChallengeID), zap.Error(err))
		res.Error = ErrGeneric
	}
	return res
}

func isLifecycle(err error) bool {
	for _, target := range []error{
		challenge.ErrMissingID, challenge.ErrNotFound, challenge.ErrExpired,
		challenge.ErrAlreadyUsed, challenge.ErrMaxAttempts, challenge.ErrIncorrect,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) record(ctx context.Context, req Request, res Result) {
	if d.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("recording captcha attempt panicked", zap.Any("panic", r))
		}
	}()
	d.recorder.RecordAttempt(ctx, req.ClientIP, res.Provider, res.Success, res.Score, req.Service)
}
