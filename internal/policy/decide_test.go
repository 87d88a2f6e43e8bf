package policy

import "testing"

func TestDecideOrder(t *testing.T) {
	base := func(mut func(*Settings)) *Settings {
		s := Defaults()
		if mut != nil {
			mut(&s)
		}
		return &s
	}
	cases := []struct {
		name     string
		settings *Settings
		req      Request
		want     Decision
	}{
		{"kill switch beats everything", base(func(s *Settings) { s.Enabled = false; s.Mode = ModeDisabled }),
			Request{Service: ServiceLogin}, Decision{false, ReasonCaptchaDisabled}},
		{"mode disabled", base(func(s *Settings) { s.Mode = ModeDisabled }),
			Request{Service: ServiceLogin}, Decision{false, ReasonModeDisabled}},
		{"suspicious mode, clean request", base(func(s *Settings) { s.Mode = ModeSuspicious }),
			Request{Service: ServiceLogin}, Decision{false, ReasonNotSuspicious}},
		{"suspicious mode, flagged request", base(func(s *Settings) { s.Mode = ModeSuspicious }),
			Request{Service: ServiceLogin, Suspicious: true}, Decision{true, ReasonRequired}},
		{"service off", base(func(s *Settings) { s.RequireComment = false }),
			Request{Service: ServiceComment, Admin: true}, Decision{false, ReasonServiceNotRequired}},
		{"unknown service is required", base(nil),
			Request{Service: Service("checkout")}, Decision{true, ReasonRequired}},
		{"admin exempt before ip", base(func(s *Settings) { s.ExemptIPs = StringList{"10.0.0.1"} }),
			Request{Service: ServiceLogin, Admin: true, ClientIP: "10.0.0.1"}, Decision{false, ReasonAdminExempt}},
		{"admin not exempt when flag off", base(func(s *Settings) { s.ExemptAdmins = false }),
			Request{Service: ServiceLogin, Admin: true}, Decision{true, ReasonRequired}},
		{"authenticated exempt", base(func(s *Settings) { s.ExemptAuthenticated = true }),
			Request{Service: ServiceLogin, Authenticated: true}, Decision{false, ReasonAuthenticatedExempt}},
		{"authenticated not exempt by default", base(nil),
			Request{Service: ServiceLogin, Authenticated: true}, Decision{true, ReasonRequired}},
		{"exact ip exempt", base(func(s *Settings) { s.ExemptIPs = StringList{"203.0.113.9"} }),
			Request{Service: ServiceLogin, ClientIP: "203.0.113.9"}, Decision{false, ReasonIPExempt}},
		{"cidr ip exempt", base(func(s *Settings) { s.ExemptIPs = StringList{"192.168.0.0/16"} }),
			Request{Service: ServiceLogin, ClientIP: "192.168.4.20"}, Decision{false, ReasonIPExempt}},
		{"ip outside cidr", base(func(s *Settings) { s.ExemptIPs = StringList{"192.168.0.0/16"} }),
			Request{Service: ServiceLogin, ClientIP: "192.169.0.1"}, Decision{true, ReasonRequired}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.settings, tc.req)
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestIPExemptIPv6(t *testing.T) {
	if !IPExempt([]string{"2001:db8::/32"}, "2001:db8::1") {
		t.Fatalf("expected ipv6 cidr match")
	}
	if !IPExempt([]string{"2001:db8::1"}, "2001:0db8:0:0:0:0:0:1") {
		t.Fatalf("expected equal ipv6 addresses to match")
	}
	if IPExempt([]string{"not-an-ip", ""}, "10.0.0.1") {
		t.Fatalf("garbage entries must not match")
	}
}
