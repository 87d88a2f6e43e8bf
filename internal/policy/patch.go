package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OptionalString distinguishes "leave unchanged" from "set to NULL" for nullable
// columns: Set=false leaves the value alone, Set=true with Value=nil clears it.
type OptionalString struct {
	Set   bool
	Value *string
}

func (o *OptionalString) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

// Patch is a partial policy update. Nil fields are left unchanged.
type Patch struct {
	Enabled         *bool     `json:"captcha_enabled,omitempty"`
	Mode            *Mode     `json:"mode,omitempty"`
	DefaultProvider *Kind     `json:"default_provider,omitempty"`
	FallbackChain   *[]string `json:"fallback_chain,omitempty"`

	TurnstileEnabled   *bool `json:"turnstile_enabled,omitempty"`
	RecaptchaV3Enabled *bool `json:"recaptcha_v3_enabled,omitempty"`
	RecaptchaV2Enabled *bool `json:"recaptcha_v2_enabled,omitempty"`
	HCaptchaEnabled    *bool `json:"hcaptcha_enabled,omitempty"`
	CustomEnabled      *bool `json:"custom_enabled,omitempty"`

	TurnstileSiteKey   OptionalString `json:"turnstile_site_key"`
	RecaptchaV3SiteKey OptionalString `json:"recaptcha_v3_site_key"`
	RecaptchaV2SiteKey OptionalString `json:"recaptcha_v2_site_key"`
	HCaptchaSiteKey    OptionalString `json:"hcaptcha_site_key"`

	CustomCodeLength  *int    `json:"custom_code_length,omitempty"`
	CustomTTLSeconds  *int    `json:"custom_ttl_seconds,omitempty"`
	CustomMaxAttempts *int    `json:"custom_max_attempts,omitempty"`
	CustomEndpoint    *string `json:"custom_endpoint,omitempty"`

	RequireLogin         *bool `json:"require_login,omitempty"`
	RequireRegistration  *bool `json:"require_registration,omitempty"`
	RequireComment       *bool `json:"require_comment,omitempty"`
	RequireContact       *bool `json:"require_contact,omitempty"`
	RequirePasswordReset *bool `json:"require_password_reset,omitempty"`
	RequireNewsletter    *bool `json:"require_newsletter,omitempty"`

	MinScore          *float64 `json:"min_score,omitempty"`
	MaxFailedAttempts *int     `json:"max_failed_attempts,omitempty"`
	LockoutMinutes    *int     `json:"lockout_minutes,omitempty"`

	ExemptAuthenticated *bool     `json:"exempt_authenticated,omitempty"`
	ExemptAdmins        *bool     `json:"exempt_admins,omitempty"`
	ExemptIPs           *[]string `json:"exempt_ips,omitempty"`

	Theme *string `json:"theme,omitempty"`
	Size  *string `json:"size,omitempty"`
}

// PatchProviderEnabled builds a patch toggling one provider flag.
func PatchProviderEnabled(k Kind, enabled bool) (Patch, error) {
	var p Patch
	switch k {
	case KindTurnstile:
		p.TurnstileEnabled = &enabled
	case KindRecaptchaV3:
		p.RecaptchaV3Enabled = &enabled
	case KindRecaptchaV2:
		p.RecaptchaV2Enabled = &enabled
	case KindHCaptcha:
		p.HCaptchaEnabled = &enabled
	case KindCustom:
		p.CustomEnabled = &enabled
	default:
		return p, fmt.Errorf("unknown provider %q", k)
	}
	return p, nil
}

// PatchServiceRequired builds a patch toggling one service requirement flag.
func PatchServiceRequired(svc Service, required bool) (Patch, error) {
	var p Patch
	switch svc {
	case ServiceLogin:
		p.RequireLogin = &required
	case ServiceRegistration:
		p.RequireRegistration = &required
	case ServiceComment:
		p.RequireComment = &required
	case ServiceContact:
		p.RequireContact = &required
	case ServicePasswordReset:
		p.RequirePasswordReset = &required
	case ServiceNewsletter:
		p.RequireNewsletter = &required
	default:
		return p, fmt.Errorf("unknown service %q", svc)
	}
	return p, nil
}

// Validate returns the list of problems with p (empty when valid).
func (p Patch) Validate() []string {
	var errs []string
	if p.Mode != nil && !p.Mode.Valid() {
		errs = append(errs, fmt.Sprintf("invalid mode '%s'", *p.Mode))
	}
	if p.DefaultProvider != nil && !p.DefaultProvider.Valid() {
		errs = append(errs, fmt.Sprintf("invalid default_provider '%s'", *p.DefaultProvider))
	}
	if p.FallbackChain != nil {
		for _, k := range *p.FallbackChain {
			if !Kind(k).Valid() {
				errs = append(errs, fmt.Sprintf("invalid fallback_chain entry '%s'", k))
			}
		}
	}
	if p.MinScore != nil && (*p.MinScore < 0 || *p.MinScore > 1) {
		errs = append(errs, "min_score must be between 0.0 and 1.0")
	}
	nonNeg := map[string]*int{
		"max_failed_attempts": p.MaxFailedAttempts,
		"lockout_minutes":     p.LockoutMinutes,
	}
	for name, v := range nonNeg {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", name))
		}
	}
	if p.CustomCodeLength != nil && (*p.CustomCodeLength < 4 || *p.CustomCodeLength > 12) {
		errs = append(errs, "custom_code_length must be between 4 and 12")
	}
	if p.CustomTTLSeconds != nil && *p.CustomTTLSeconds <= 0 {
		errs = append(errs, "custom_ttl_seconds must be > 0")
	}
	if p.CustomMaxAttempts != nil && *p.CustomMaxAttempts <= 0 {
		errs = append(errs, "custom_max_attempts must be > 0")
	}
	if p.ExemptIPs != nil {
		for _, ip := range *p.ExemptIPs {
			if !ValidIPOrCIDR(ip) {
				errs = append(errs, fmt.Sprintf("invalid exempt ip '%s'", ip))
			}
		}
	}
	if p.Theme != nil && !oneOf(*p.Theme, "auto", "light", "dark") {
		errs = append(errs, fmt.Sprintf("invalid theme '%s'", *p.Theme))
	}
	if p.Size != nil && !oneOf(*p.Size, "normal", "compact", "invisible") {
		errs = append(errs, fmt.Sprintf("invalid size '%s'", *p.Size))
	}
	return errs
}

// ValidationError carries every problem found by Patch.Validate.
type ValidationError struct{ Problems []string }

func (e *ValidationError) Error() string {
	return "invalid settings: " + strings.Join(e.Problems, "; ")
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Apply writes the non-nil fields of p onto s.
func (p Patch) Apply(s *Settings) {
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setKey := func(dst **string, v OptionalString) {
		if v.Set {
			*dst = cloneStr(v.Value)
		}
	}

	setBool(&s.Enabled, p.Enabled)
	if p.Mode != nil {
		s.Mode = *p.Mode
	}
	if p.DefaultProvider != nil {
		s.DefaultProvider = *p.DefaultProvider
	}
	if p.FallbackChain != nil {
		s.FallbackChain = append(StringList{}, (*p.FallbackChain)...)
	}

	setBool(&s.TurnstileEnabled, p.TurnstileEnabled)
	setBool(&s.RecaptchaV3Enabled, p.RecaptchaV3Enabled)
	setBool(&s.RecaptchaV2Enabled, p.RecaptchaV2Enabled)
	setBool(&s.HCaptchaEnabled, p.HCaptchaEnabled)
	setBool(&s.CustomEnabled, p.CustomEnabled)

	setKey(&s.TurnstileSiteKey, p.TurnstileSiteKey)
	setKey(&s.RecaptchaV3SiteKey, p.RecaptchaV3SiteKey)
	setKey(&s.RecaptchaV2SiteKey, p.RecaptchaV2SiteKey)
	setKey(&s.HCaptchaSiteKey, p.HCaptchaSiteKey)

	setInt(&s.CustomCodeLength, p.CustomCodeLength)
	setInt(&s.CustomTTLSeconds, p.CustomTTLSeconds)
	setInt(&s.CustomMaxAttempts, p.CustomMaxAttempts)
	setStr(&s.CustomEndpoint, p.CustomEndpoint)

	setBool(&s.RequireLogin, p.RequireLogin)
	setBool(&s.RequireRegistration, p.RequireRegistration)
	setBool(&s.RequireComment, p.RequireComment)
	setBool(&s.RequireContact, p.RequireContact)
	setBool(&s.RequirePasswordReset, p.RequirePasswordReset)
	setBool(&s.RequireNewsletter, p.RequireNewsletter)

	if p.MinScore != nil {
		s.MinScore = *p.MinScore
	}
	setInt(&s.MaxFailedAttempts, p.MaxFailedAttempts)
	setInt(&s.LockoutMinutes, p.LockoutMinutes)

	setBool(&s.ExemptAuthenticated, p.ExemptAuthenticated)
	setBool(&s.ExemptAdmins, p.ExemptAdmins)
	if p.ExemptIPs != nil {
		s.ExemptIPs = append(StringList{}, (*p.ExemptIPs)...)
	}

	setStr(&s.Theme, p.Theme)
	setStr(&s.Size, p.Size)
}
