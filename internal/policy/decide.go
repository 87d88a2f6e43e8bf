package policy

import (
	"net"
	"strings"
)

// Request carries the caller context evaluated by Decide.
type Request struct {
	Service       Service
	Authenticated bool
	Admin         bool
	ClientIP      string
	// Suspicious is only consulted in ModeSuspicious.
	Suspicious bool
}

// Decision is the outcome of Decide. Reason is a stable machine-readable code.
type Decision struct {
	Required bool   `json:"required"`
	Reason   string `json:"reason"`
}

const (
	ReasonCaptchaDisabled     = "captcha_disabled"
	ReasonModeDisabled        = "mode_disabled"
	ReasonNotSuspicious       = "not_suspicious"
	ReasonServiceNotRequired  = "service_not_required"
	ReasonAdminExempt         = "admin_exempt"
	ReasonAuthenticatedExempt = "authenticated_exempt"
	ReasonIPExempt            = "ip_exempt"
	ReasonRequired            = "required"
)

// Decide evaluates the rules in a fixed order; the first match wins.
func Decide(s *Settings, req Request) Decision {
	if !s.Enabled {
		return Decision{false, ReasonCaptchaDisabled}
	}
	switch s.Mode {
	case ModeDisabled:
		return Decision{false, ReasonModeDisabled}
	case ModeSuspicious:
		if !req.Suspicious {
			return Decision{false, ReasonNotSuspicious}
		}
	}
	if !s.ServiceRequired(req.Service) {
		return Decision{false, ReasonServiceNotRequired}
	}
	if req.Admin && s.ExemptAdmins {
		return Decision{false, ReasonAdminExempt}
	}
	if req.Authenticated && s.ExemptAuthenticated {
		return Decision{false, ReasonAuthenticatedExempt}
	}
	if req.ClientIP != "" && IPExempt(s.ExemptIPs, req.ClientIP) {
		return Decision{false, ReasonIPExempt}
	}
	return Decision{true, ReasonRequired}
}

// IPExempt reports whether ip matches an entry exactly or falls inside a CIDR entry.
func IPExempt(list []string, ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == ip {
			return true
		}
		if parsed == nil {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, n, err := net.ParseCIDR(entry); err == nil && n.Contains(parsed) {
				return true
			}
			continue
		}
		if e := net.ParseIP(entry); e != nil && e.Equal(parsed) {
			return true
		}
	}
	return false
}

// ValidIPOrCIDR reports whether v is a single address or a CIDR block.
func ValidIPOrCIDR(v string) bool {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		_, _, err := net.ParseCIDR(v)
		return err == nil
	}
	return net.ParseIP(v) != nil
}

