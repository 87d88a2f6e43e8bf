package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Armour007/aura-captcha/internal/challenge"
	"github.com/Armour007/aura-captcha/internal/ledger"
	"github.com/Armour007/aura-captcha/internal/observability"
	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/Armour007/aura-captcha/internal/provider"
	"github.com/Armour007/aura-captcha/internal/verify"
	"go.uber.org/zap"
)

// Options wires the storage and providers behind a Service.
type Options struct {
	Policies   policy.Repository
	Ledger     ledger.Ledger
	Challenges challenge.Store
	Providers  *provider.Registry
	// EnvKeys are the deployment-level public site keys.
	EnvKeys policy.EnvKeys
	Clock   func() time.Time
}

// Service is the entry point used by handlers, jobs and the admin CLI.
type Service struct {
	store      *policy.Store
	ledger     ledger.Ledger
	challenges challenge.Store
	issuer     *challenge.Issuer
	dispatcher *verify.Dispatcher
	providers  *provider.Registry
	envKeys    policy.EnvKeys
	now        func() time.Time

	mu        sync.RWMutex
	consumers []registration
	nextID    int
}

func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Policies == nil {
		opts.Policies = policy.NewMemoryRepository()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewMemory()
	}
	if opts.Challenges == nil {
		opts.Challenges = challenge.NewMemoryStore()
	}
	if opts.Providers == nil {
		opts.Providers = provider.NewRegistry()
	}
	s := &Service{
		store:      policy.NewStore(opts.Policies),
		ledger:     opts.Ledger,
		challenges: opts.Challenges,
		issuer:     challenge.NewIssuer(opts.Challenges).WithClock(opts.Clock),
		providers:  opts.Providers,
		envKeys:    opts.EnvKeys,
		now:        opts.Clock,
	}
	s.dispatcher = verify.NewDispatcher(s.store, opts.Providers, challenge.NewVerifier(opts.Challenges).WithClock(opts.Clock), s)
	return s
}

// GetSettings returns the cached policy. It never notifies consumers.
func (s *Service) GetSettings(ctx context.Context) (*policy.Settings, error) {
	return s.store.Get(ctx)
}

// ReloadSettings rereads storage and pushes the result to every consumer.
func (s *Service) ReloadSettings(ctx context.Context) (*policy.Settings, error) {
	settings, err := s.store.Reload(ctx)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, settings, ReasonReloaded, "")
	return settings, nil
}

// UpdateSettings persists patch, refreshes the cache and notifies consumers.
func (s *Service) UpdateSettings(ctx context.Context, patch policy.Patch, editor string) (*policy.Settings, error) {
	settings, err := s.store.Update(ctx, patch, editor)
	if err != nil {
		return nil, err
	}
	zap.L().Info("captcha policy updated", zap.Int64("version", settings.Version), zap.String("editor", editor))
	s.notify(ctx, settings, ReasonUpdated, editor)
	return settings, nil
}

func (s *Service) DisableAll(ctx context.Context, editor string) (*policy.Settings, error) {
	off := false
	return s.UpdateSettings(ctx, policy.Patch{Enabled: &off}, editor)
}

func (s *Service) EnableAll(ctx context.Context, editor string) (*policy.Settings, error) {
	on := true
	return s.UpdateSettings(ctx, policy.Patch{Enabled: &on}, editor)
}

func (s *Service) ToggleProvider(ctx context.Context, kind policy.Kind, enabled bool, editor string) (*policy.Settings, error) {
	p, err := policy.PatchProviderEnabled(kind, enabled)
	if err != nil {
		return nil, &policy.ValidationError{Problems: []string{err.Error()}}
	}
	return s.UpdateSettings(ctx, p, editor)
}

func (s *Service) ToggleServiceRequirement(ctx context.Context, svc policy.Service, required bool, editor string) (*policy.Settings, error) {
	p, err := policy.PatchServiceRequired(svc, required)
	if err != nil {
		return nil, &policy.ValidationError{Problems: []string{err.Error()}}
	}
	return s.UpdateSettings(ctx, p, editor)
}

func (s *Service) SetMode(ctx context.Context, mode policy.Mode, editor string) (*policy.Settings, error) {
	return s.UpdateSettings(ctx, policy.Patch{Mode: &mode}, editor)
}

// AddExemptIP appends ip (address or CIDR) unless already listed.
func (s *Service) AddExemptIP(ctx context.Context, ip, editor string) (*policy.Settings, error) {
	ip = strings.TrimSpace(ip)
	if !policy.ValidIPOrCIDR(ip) {
		return nil, &policy.ValidationError{Problems: []string{fmt.Sprintf("invalid exempt ip '%s'", ip)}}
	}
	cur, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	for _, existing := range cur.ExemptIPs {
		if existing == ip {
			return cur, nil
		}
	}
	next := append([]string(cur.ExemptIPs), ip)
	return s.UpdateSettings(ctx, policy.Patch{ExemptIPs: &next}, editor)
}

// RemoveExemptIP drops ip from the exempt list; unknown entries are a no-op.
func (s *Service) RemoveExemptIP(ctx context.Context, ip, editor string) (*policy.Settings, error) {
	ip = strings.TrimSpace(ip)
	cur, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	next := make([]string, 0, len(cur.ExemptIPs))
	for _, existing := range cur.ExemptIPs {
		if existing != ip {
			next = append(next, existing)
		}
	}
	if len(next) == len(cur.ExemptIPs) {
		return cur, nil
	}
	return s.UpdateSettings(ctx, policy.Patch{ExemptIPs: &next}, editor)
}

// AuthContext describes the caller for requirement decisions.
type AuthContext struct {
	Authenticated bool
	Admin         bool
	ClientIP      string
}

// IsVerificationRequired decides whether service must present a token.
// Storage errors propagate; a broken policy read never means "not required".
func (s *Service) IsVerificationRequired(ctx context.Context, service string, auth AuthContext) (policy.Decision, error) {
	settings, err := s.store.Get(ctx)
	if err != nil {
		return policy.Decision{}, err
	}
	req := policy.Request{
		Service:       policy.Service(service),
		Authenticated: auth.Authenticated,
		Admin:         auth.Admin,
		ClientIP:      auth.ClientIP,
	}
	if settings.Enabled && settings.Mode == policy.ModeSuspicious {
		req.Suspicious = s.suspicious(ctx, settings, auth.ClientIP)
	}
	d := policy.Decide(settings, req)
	observability.RecordRequirementDecision(service, d.Reason, d.Required)
	return d, nil
}

// suspicious flags an IP with any failure inside the lockout window. When the
// ledger is unavailable the request is treated as suspicious.
func (s *Service) suspicious(ctx context.Context, settings *policy.Settings, ip string) bool {
	if ip == "" {
		return false
	}
	window := settings.LockoutWindow()
	if window <= 0 {
		window = 15 * time.Minute
	}
	n, err := ledger.RecentFailures(ctx, s.ledger, ip, s.now().Add(-window))
	if err != nil {
		zap.L().Warn("captcha suspicious check failed", zap.String("client_ip", ip), zap.Error(err))
		return true
	}
	return n > 0
}

// Lockout describes whether an IP may attempt verification.
type Lockout struct {
	LockedOut      bool          `json:"locked_out"`
	RetryAfter     time.Duration `json:"-"`
	RetryAfterMS   int64         `json:"retry_after_ms"`
	FailedAttempts int           `json:"failed_attempts"`
}

// IsLockedOut reports whether ip has reached the failure threshold within
// the lockout window.
func (s *Service) IsLockedOut(ctx context.Context, ip string) (Lockout, error) {
	settings, err := s.store.Get(ctx)
	if err != nil {
		return Lockout{}, err
	}
	if settings.MaxFailedAttempts <= 0 || settings.LockoutMinutes <= 0 || ip == "" {
		return Lockout{}, nil
	}
	now := s.now()
	window := settings.LockoutWindow()
	since := now.Add(-window)
	n, err := s.ledger.CountFailures(ctx, ip, since)
	if err != nil {
		return Lockout{}, fmt.Errorf("count failures: %w", err)
	}
	out := Lockout{FailedAttempts: n}
	if n < settings.MaxFailedAttempts {
		return out, nil
	}
	oldest, ok, err := s.ledger.OldestFailure(ctx, ip, since)
	if err != nil {
		return Lockout{}, fmt.Errorf("oldest failure: %w", err)
	}
	out.LockedOut = true
	if ok {
		out.RetryAfter = oldest.Add(window).Sub(now)
	}
	if out.RetryAfter < 0 {
		out.RetryAfter = 0
	}
	out.RetryAfterMS = out.RetryAfter.Milliseconds()
	return out, nil
}

// RecordAttempt appends to the ledger. Failures are logged and swallowed so
// that bookkeeping never changes a verification outcome.
func (s *Service) RecordAttempt(ctx context.Context, ip, provider string, success bool, score *float64, service string) {
	a := ledger.Attempt{ClientIP: ip, Provider: provider, Success: success, Score: score, CreatedAt: s.now().UTC()}
	if service != "" {
		a.Service = &service
	}
	if err := s.ledger.Append(ctx, a); err != nil {
		zap.L().Warn("recording captcha attempt failed",
			zap.String("client_ip", ip),
			zap.String("provider", provider),
			zap.Bool("success", success),
			zap.Error(err))
	}
}

// Verify dispatches token to the right provider and records the attempt.
func (s *Service) Verify(ctx context.Context, req verify.Request) verify.Result {
	return s.dispatcher.Verify(ctx, req)
}

// Overview is the admin dashboard payload.
type Overview struct {
	Settings            *policy.Settings `json:"settings"`
	Stats               ledger.Stats     `json:"stats"`
	EnabledProviders    []policy.Kind    `json:"enabled_providers"`
	ConfiguredProviders []policy.Kind    `json:"configured_providers"`
	EnabledServices     []policy.Service `json:"enabled_services"`
}

// GetAdminOverview returns the policy with the last 24h of attempt stats.
func (s *Service) GetAdminOverview(ctx context.Context) (Overview, error) {
	settings, err := s.store.Get(ctx)
	if err != nil {
		return Overview{}, err
	}
	now := s.now()
	stats, err := s.ledger.Stats(ctx, now.Add(-24*time.Hour), now.Add(-settings.LockoutWindow()), settings.MaxFailedAttempts)
	if err != nil {
		return Overview{}, err
	}
	configured := []policy.Kind{}
	for _, v := range s.providers.Ordered() {
		if v.Configured() {
			configured = append(configured, v.Kind())
		}
	}
	return Overview{
		Settings:            settings,
		Stats:               stats,
		EnabledProviders:    nonNil(settings.EnabledProviders()),
		ConfiguredProviders: configured,
		EnabledServices:     nonNil(settings.EnabledServices()),
	}, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// GetFrontendSafeConfig returns the browser-safe projection of the policy.
func (s *Service) GetFrontendSafeConfig(ctx context.Context) (policy.FrontendConfig, error) {
	settings, err := s.store.Get(ctx)
	if err != nil {
		return policy.FrontendConfig{}, err
	}
	return policy.Frontend(settings, s.envKeys), nil
}

// FrontendConfigFor projects settings without touching the store.
func (s *Service) FrontendConfigFor(settings *policy.Settings) policy.FrontendConfig {
	return policy.Frontend(settings, s.envKeys)
}

// PurgeOldAttempts deletes ledger rows older than days.
func (s *Service) PurgeOldAttempts(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("days must be positive, got %d", days)
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.ledger.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	zap.L().Info("purged captcha attempts", zap.Int64("rows", n), zap.Int("days", days))
	return n, nil
}

// SweepExpiredChallenges removes challenges past their expiry.
func (s *Service) SweepExpiredChallenges(ctx context.Context) (int64, error) {
	n, err := s.challenges.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep challenges: %w", err)
	}
	observability.AddChallenges("swept", n)
	return n, nil
}

// ErrCustomDisabled is returned by IssueChallenge when the self-hosted
// provider is off.
var ErrCustomDisabled = errors.New("self-hosted challenge is disabled")

// IssueChallenge creates a self-hosted challenge using the policy parameters.
func (s *Service) IssueChallenge(ctx context.Context) (challenge.Issued, error) {
	settings, err := s.store.Get(ctx)
	if err != nil {
		return challenge.Issued{}, err
	}
	if !settings.Enabled || !settings.CustomEnabled {
		return challenge.Issued{}, ErrCustomDisabled
	}
	out, err := s.issuer.Issue(ctx, challenge.Params{
		CodeLength:  settings.CustomCodeLength,
		TTL:         time.Duration(settings.CustomTTLSeconds) * time.Second,
		MaxAttempts: settings.CustomMaxAttempts,
	})
	if err != nil {
		return challenge.Issued{}, err
	}
	observability.RecordChallenge("issued")
	return out, nil
}
