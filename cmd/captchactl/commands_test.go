package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/Armour007/aura-captcha/internal/captcha"
	"github.com/Armour007/aura-captcha/internal/utils"
)

func run(t *testing.T, svc *captcha.Service, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func() (*captcha.Service, func(), error) { return svc, func() {}, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--editor", "tester"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDisableEnable(t *testing.T) {
	svc := captcha.New(captcha.Options{})
	out, err := run(t, svc, "disable")
	if err != nil || !strings.Contains(out, "enabled=false") {
		t.Fatalf("disable: %q %v", out, err)
	}
	s, _ := svc.GetSettings(context.Background())
	if s.Enabled || s.UpdatedBy == nil || *s.UpdatedBy != "tester" {
		t.Fatalf("settings: %+v", s)
	}
	if out, err := run(t, svc, "enable"); err != nil || !strings.Contains(out, "enabled=true") {
		t.Fatalf("enable: %q %v", out, err)
	}
}

func TestProviderAndServiceToggles(t *testing.T) {
	svc := captcha.New(captcha.Options{})
	if _, err := run(t, svc, "provider", "hcaptcha", "on"); err != nil {
		t.Fatalf("provider: %v", err)
	}
	if _, err := run(t, svc, "service", "comment", "off"); err != nil {
		t.Fatalf("service: %v", err)
	}
	s, _ := svc.GetSettings(context.Background())
	if !s.HCaptchaEnabled || s.RequireComment {
		t.Fatalf("settings: %+v", s)
	}
	if _, err := run(t, svc, "provider", "hcaptcha", "maybe"); err == nil {
		t.Fatalf("expected on/off error")
	}
	if _, err := run(t, svc, "provider", "bogus", "on"); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestExemptAndMode(t *testing.T) {
	svc := captcha.New(captcha.Options{})
	out, err := run(t, svc, "exempt", "add", "203.0.113.0/24")
	if err != nil || !strings.Contains(out, "203.0.113.0/24") {
		t.Fatalf("exempt add: %q %v", out, err)
	}
	if _, err := run(t, svc, "exempt", "remove", "203.0.113.0/24"); err != nil {
		t.Fatalf("exempt remove: %v", err)
	}
	if out, err := run(t, svc, "mode", "suspicious"); err != nil || !strings.Contains(out, "mode=suspicious") {
		t.Fatalf("mode: %q %v", out, err)
	}
	if _, err := run(t, svc, "mode", "never"); err == nil {
		t.Fatalf("expected invalid mode error")
	}
}

func TestShowAndPurge(t *testing.T) {
	svc := captcha.New(captcha.Options{})
	out, err := run(t, svc, "show")
	if err != nil || !strings.Contains(out, `"stats"`) {
		t.Fatalf("show: %q %v", out, err)
	}
	if _, err := run(t, svc, "purge", "--days", "0"); err == nil {
		t.Fatalf("expected error for zero days")
	}
	if out, err := run(t, svc, "purge", "--days", "7"); err != nil || !strings.Contains(out, "deleted 0") {
		t.Fatalf("purge: %q %v", out, err)
	}
}

func TestKeygenAndToken(t *testing.T) {
	out, err := run(t, nil, "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var key, hash string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		switch {
		case strings.HasPrefix(line, "key:"):
			key = strings.TrimSpace(strings.TrimPrefix(line, "key:"))
		case strings.HasPrefix(line, "hash:"):
			hash = strings.TrimSpace(strings.TrimPrefix(line, "hash:"))
		}
	}
	if !utils.CheckServiceKey(key, hash) {
		t.Fatalf("generated key does not match hash: %q", out)
	}

	t.Setenv("JWT_SECRET", "cli-secret")
	out, err = run(t, nil, "token", "--subject", "bob")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := utils.ParseAdminJWT([]byte("cli-secret"), strings.TrimSpace(out))
	if err != nil || claims.Subject != "bob" || claims.Role != "admin" {
		t.Fatalf("claims: %+v %v", claims, err)
	}
}
