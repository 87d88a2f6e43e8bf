package policy

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a verification provider.
type Kind string

const (
	KindTurnstile   Kind = "turnstile"    // edge/reverse-proxy challenge
	KindRecaptchaV3 Kind = "recaptcha_v3" // score based
	KindRecaptchaV2 Kind = "recaptcha_v2" // checkbox
	KindHCaptcha    Kind = "hcaptcha"
	KindCustom      Kind = "custom" // self-hosted challenge
)

// ThirdPartyKinds returns the third-party providers in auto-detect priority order.
func ThirdPartyKinds() []Kind {
	return []Kind{KindTurnstile, KindRecaptchaV3, KindRecaptchaV2, KindHCaptcha}
}

// AllKinds returns every known provider kind.
func AllKinds() []Kind {
	return append(ThirdPartyKinds(), KindCustom)
}

func (k Kind) Valid() bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ThirdParty reports whether k is verified by a remote siteverify endpoint.
func (k Kind) ThirdParty() bool { return k.Valid() && k != KindCustom }

// Mode is the policy operating mode.
type Mode string

const (
	ModeAlways     Mode = "always"
	ModeSuspicious Mode = "suspicious"
	ModeDisabled   Mode = "disabled"
)

func (m Mode) Valid() bool {
	return m == ModeAlways || m == ModeSuspicious || m == ModeDisabled
}

// Service is a caller-side flow that may be gated by verification.
type Service string

const (
	ServiceLogin         Service = "login"
	ServiceRegistration  Service = "registration"
	ServiceComment       Service = "comment"
	ServiceContact       Service = "contact"
	ServicePasswordReset Service = "password_reset"
	ServiceNewsletter    Service = "newsletter"
)

// AllServices lists the services that carry a requirement flag.
func AllServices() []Service {
	return []Service{ServiceLogin, ServiceRegistration, ServiceComment, ServiceContact, ServicePasswordReset, ServiceNewsletter}
}

func (s Service) Valid() bool {
	for _, known := range AllServices() {
		if s == known {
			return true
		}
	}
	return false
}

// StringList is a []string stored as a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("StringList: unsupported source type %T", src)
	}
	if len(raw) == 0 {
		*l = StringList{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("StringList: %w", err)
	}
	*l = out
	return nil
}

// Settings is the singleton policy row. A *Settings handed out by Store is a
// private copy; the cached snapshot itself is never mutated.
type Settings struct {
	ID      int   `db:"id" json:"-"`
	Version int64 `db:"version" json:"version"`

	Enabled         bool       `db:"captcha_enabled" json:"captcha_enabled"`
	Mode            Mode       `db:"mode" json:"mode"`
	DefaultProvider Kind       `db:"default_provider" json:"default_provider"`
	FallbackChain   StringList `db:"fallback_chain" json:"fallback_chain"`

	TurnstileEnabled   bool `db:"turnstile_enabled" json:"turnstile_enabled"`
	RecaptchaV3Enabled bool `db:"recaptcha_v3_enabled" json:"recaptcha_v3_enabled"`
	RecaptchaV2Enabled bool `db:"recaptcha_v2_enabled" json:"recaptcha_v2_enabled"`
	HCaptchaEnabled    bool `db:"hcaptcha_enabled" json:"hcaptcha_enabled"`
	CustomEnabled      bool `db:"custom_enabled" json:"custom_enabled"`

	// NULL site keys fall back to the environment-level keys.
	TurnstileSiteKey   *string `db:"turnstile_site_key" json:"turnstile_site_key"`
	RecaptchaV3SiteKey *string `db:"recaptcha_v3_site_key" json:"recaptcha_v3_site_key"`
	RecaptchaV2SiteKey *string `db:"recaptcha_v2_site_key" json:"recaptcha_v2_site_key"`
	HCaptchaSiteKey    *string `db:"hcaptcha_site_key" json:"hcaptcha_site_key"`

	CustomCodeLength  int    `db:"custom_code_length" json:"custom_code_length"`
	CustomTTLSeconds  int    `db:"custom_ttl_seconds" json:"custom_ttl_seconds"`
	CustomMaxAttempts int    `db:"custom_max_attempts" json:"custom_max_attempts"`
	CustomEndpoint    string `db:"custom_endpoint" json:"custom_endpoint"`

	RequireLogin         bool `db:"require_login" json:"require_login"`
	RequireRegistration  bool `db:"require_registration" json:"require_registration"`
	RequireComment       bool `db:"require_comment" json:"require_comment"`
	RequireContact       bool `db:"require_contact" json:"require_contact"`
	RequirePasswordReset bool `db:"require_password_reset" json:"require_password_reset"`
	RequireNewsletter    bool `db:"require_newsletter" json:"require_newsletter"`

	MinScore          float64 `db:"min_score" json:"min_score"`
	MaxFailedAttempts int     `db:"max_failed_attempts" json:"max_failed_attempts"`
	LockoutMinutes    int     `db:"lockout_minutes" json:"lockout_minutes"`

	ExemptAuthenticated bool       `db:"exempt_authenticated" json:"exempt_authenticated"`
	ExemptAdmins        bool       `db:"exempt_admins" json:"exempt_admins"`
	ExemptIPs           StringList `db:"exempt_ips" json:"exempt_ips"`

	Theme string `db:"theme" json:"theme"`
	Size  string `db:"widget_size" json:"size"`

	UpdatedBy *string   `db:"updated_by" json:"updated_by"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Defaults returns the hard-coded policy created on first read.
func Defaults() Settings {
	return Settings{
		ID:                   1,
		Version:              1,
		Enabled:              true,
		Mode:                 ModeAlways,
		DefaultProvider:      KindTurnstile,
		FallbackChain:        StringList{},
		TurnstileEnabled:     true,
		CustomEnabled:        true,
		CustomCodeLength:     6,
		CustomTTLSeconds:     300,
		CustomMaxAttempts:    3,
		CustomEndpoint:       "/v1/captcha/challenge",
		RequireLogin:         true,
		RequireRegistration:  true,
		RequireComment:       true,
		RequireContact:       true,
		RequirePasswordReset: true,
		RequireNewsletter:    true,
		MinScore:             0.5,
		MaxFailedAttempts:    5,
		LockoutMinutes:       15,
		ExemptAdmins:         true,
		ExemptIPs:            StringList{},
		Theme:                "auto",
		Size:                 "normal",
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() *Settings {
	out := s
	out.FallbackChain = append(StringList{}, s.FallbackChain...)
	out.ExemptIPs = append(StringList{}, s.ExemptIPs...)
	out.TurnstileSiteKey = cloneStr(s.TurnstileSiteKey)
	out.RecaptchaV3SiteKey = cloneStr(s.RecaptchaV3SiteKey)
	out.RecaptchaV2SiteKey = cloneStr(s.RecaptchaV2SiteKey)
	out.HCaptchaSiteKey = cloneStr(s.HCaptchaSiteKey)
	out.UpdatedBy = cloneStr(s.UpdatedBy)
	return &out
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ProviderEnabled reports the per-provider enable flag.
func (s *Settings) ProviderEnabled(k Kind) bool {
	switch k {
	case KindTurnstile:
		return s.TurnstileEnabled
	case KindRecaptchaV3:
		return s.RecaptchaV3Enabled
	case KindRecaptchaV2:
		return s.RecaptchaV2Enabled
	case KindHCaptcha:
		return s.HCaptchaEnabled
	case KindCustom:
		return s.CustomEnabled
	}
	return false
}

// SiteKey returns the policy-level public key for k, or nil to use the env key.
func (s *Settings) SiteKey(k Kind) *string {
	switch k {
	case KindTurnstile:
		return s.TurnstileSiteKey
	case KindRecaptchaV3:
		return s.RecaptchaV3SiteKey
	case KindRecaptchaV2:
		return s.RecaptchaV2SiteKey
	case KindHCaptcha:
		return s.HCaptchaSiteKey
	}
	return nil
}

// ServiceRequired reports the requirement flag for svc. Services without a
// flag are treated as required.
func (s *Settings) ServiceRequired(svc Service) bool {
	switch svc {
	case ServiceLogin:
		return s.RequireLogin
	case ServiceRegistration:
		return s.RequireRegistration
	case ServiceComment:
		return s.RequireComment
	case ServiceContact:
		return s.RequireContact
	case ServicePasswordReset:
		return s.RequirePasswordReset
	case ServiceNewsletter:
		return s.RequireNewsletter
	}
	return true
}

// EnabledProviders lists enabled kinds in auto-detect order, custom last.
func (s *Settings) EnabledProviders() []Kind {
	var out []Kind
	for _, k := range AllKinds() {
		if s.ProviderEnabled(k) {
			out = append(out, k)
		}
	}
	return out
}

// EnabledServices lists services whose requirement flag is set.
func (s *Settings) EnabledServices() []Service {
	var out []Service
	for _, svc := range AllServices() {
		if s.ServiceRequired(svc) {
			out = append(out, svc)
		}
	}
	return out
}

// LockoutWindow is the sliding window used for IP lockout.
func (s *Settings) LockoutWindow() time.Duration {
	return time.Duration(s.LockoutMinutes) * time.Minute
}
