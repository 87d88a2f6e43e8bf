package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Armour007/aura-captcha/internal/config"
	"github.com/Armour007/aura-captcha/internal/observability"
	"github.com/Armour007/aura-captcha/internal/policy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	TurnstileURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	RecaptchaURL = "https://www.google.com/recaptcha/api/siteverify"
	HCaptchaURL  = "https://api.hcaptcha.com/siteverify"
)

// Result is the outcome of one provider call. Err is set on local failures
// (missing secret, network, decode, breaker) and on rejections.
type Result struct {
	Success    bool
	Score      *float64
	ErrorCodes []string
	Err        string
}

// Verifier checks a client token against one third-party provider.
type Verifier interface {
	Kind() policy.Kind
	// Configured reports whether a secret is present.
	Configured() bool
	// Verify never returns a Go error; failures are reported in Result.
	Verify(ctx context.Context, token, clientIP string, minScore float64) Result
}

// SiteVerify implements the form-POST siteverify protocol shared by the
// supported providers.
type SiteVerify struct {
	kind       policy.Kind
	endpoint   string
	secret     string
	scoreBased bool
	client     *http.Client
	timeout    time.Duration
	breaker    *CircuitBreaker
}

type Option func(*SiteVerify)

func WithHTTPClient(c *http.Client) Option { return func(s *SiteVerify) { s.client = c } }
func WithTimeout(d time.Duration) Option   { return func(s *SiteVerify) { s.timeout = d } }
func WithBreaker(b *CircuitBreaker) Option { return func(s *SiteVerify) { s.breaker = b } }
func WithEndpoint(u string) Option         { return func(s *SiteVerify) { s.endpoint = u } }

// New builds the verifier for kind with its default endpoint.
func New(kind policy.Kind, secret string, opts ...Option) *SiteVerify {
	s := &SiteVerify{
		kind:       kind,
		secret:     strings.TrimSpace(secret),
		scoreBased: kind == policy.KindRecaptchaV3,
		client:     http.DefaultClient,
		timeout:    5 * time.Second,
	}
	switch kind {
	case policy.KindTurnstile:
		s.endpoint = TurnstileURL
	case policy.KindRecaptchaV3, policy.KindRecaptchaV2:
		s.endpoint = RecaptchaURL
	case policy.KindHCaptcha:
		s.endpoint = HCaptchaURL
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = GetBreaker("captcha_" + string(kind))
	}
	return s
}

func (s *SiteVerify) Kind() policy.Kind { return s.kind }
func (s *SiteVerify) Configured() bool  { return s.secret != "" }

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score,omitempty"`
	Action     string   `json:"action,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

func (s *SiteVerify) Verify(ctx context.Context, token, clientIP string, minScore float64) Result {
	if !s.Configured() {
		return Result{Err: fmt.Sprintf("%s secret not configured", s.kind)}
	}
	if !s.breaker.Allow() {
		return Result{Err: "provider circuit open"}
	}
	ctx, span := observability.Tracer.Start(ctx, "captcha.siteverify")
	span.SetAttributes(attribute.String("captcha.provider", string(s.kind)))
	defer span.End()

	start := time.Now()
	body, err := s.post(ctx, token, clientIP)
	observability.RecordExternalOp("siteverify_"+string(s.kind), time.Since(start), err == nil)
	if err != nil {
		s.breaker.ReportFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "siteverify failed")
		zap.L().Warn("captcha provider call failed", zap.String("provider", string(s.kind)), zap.Error(err))
		return Result{Err: fmt.Sprintf("%s verification request failed", s.kind)}
	}
	s.breaker.ReportSuccess()

	res := Result{Success: body.Success, Score: body.Score, ErrorCodes: body.ErrorCodes}
	if body.Score != nil {
		span.SetAttributes(attribute.Float64("captcha.score", *body.Score))
	}
	if !res.Success {
		res.Err = fmt.Sprintf("%s rejected the token", s.kind)
		if len(body.ErrorCodes) > 0 {
			res.Err += ": " + strings.Join(body.ErrorCodes, ",")
		}
		return res
	}
	if s.scoreBased {
		if minScore <= 0 {
			minScore = 0.5
		}
		if body.Score == nil || *body.Score < minScore {
			res.Success = false
			res.Err = fmt.Sprintf("%s score below threshold %.2f", s.kind, minScore)
		}
	}
	return res
}

func (s *SiteVerify) post(ctx context.Context, token, clientIP string) (*siteVerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	form := url.Values{}
	form.Set("secret", s.secret)
	form.Set("response", token)
	if clientIP != "" {
		form.Set("remoteip", clientIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("siteverify status %d", resp.StatusCode)
	}
	var out siteVerifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode siteverify response: %w", err)
	}
	return &out, nil
}

// Registry returns the third-party verifiers in auto-detect priority order.
type Registry struct {
	byKind map[policy.Kind]Verifier
}

func NewRegistry(verifiers ...Verifier) *Registry {
	r := &Registry{byKind: map[policy.Kind]Verifier{}}
	for _, v := range verifiers {
		r.byKind[v.Kind()] = v
	}
	return r
}

// FromConfig builds one SiteVerify per third-party kind from env secrets.
func FromConfig(cfg config.Config) *Registry {
	secrets := map[policy.Kind]string{
		policy.KindTurnstile:   cfg.Turnstile.Secret,
		policy.KindRecaptchaV3: cfg.RecaptchaV3.Secret,
		policy.KindRecaptchaV2: cfg.RecaptchaV2.Secret,
		policy.KindHCaptcha:    cfg.HCaptcha.Secret,
	}
	var vs []Verifier
	for _, k := range policy.ThirdPartyKinds() {
		vs = append(vs, New(k, secrets[k], WithTimeout(cfg.ProviderTimeout)))
	}
	return NewRegistry(vs...)
}

// Get returns the verifier for k, or nil.
func (r *Registry) Get(k policy.Kind) Verifier {
	return r.byKind[k]
}

// Ordered returns the registered verifiers in policy.ThirdPartyKinds order.
func (r *Registry) Ordered() []Verifier {
	var out []Verifier
	for _, k := range policy.ThirdPartyKinds() {
		if v, ok := r.byKind[k]; ok {
			out = append(out, v)
		}
	}
	return out
}
