package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func fakeServer(t *testing.T, required bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/captcha/required", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "aura_sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req RequiredRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		reason := "required"
		if !required {
			reason = "service_not_required"
		}
		_ = json.NewEncoder(w).Encode(Decision{Required: required, Reason: reason})
	})
	mux.HandleFunc("/v1/captcha/verify", func(w http.ResponseWriter, r *http.Request) {
		var req VerifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Token {
		case "good":
			_ = json.NewEncoder(w).Encode(VerifyResponse{Success: true, Provider: "turnstile"})
		case "locked":
			w.Header().Set("Retry-After", "42")
			w.WriteHeader(http.StatusTooManyRequests)
		case "":
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(VerifyResponse{Error: "CAPTCHA token is required"})
		default:
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(VerifyResponse{Provider: "turnstile", Error: "verification failed"})
		}
	})
	mux.HandleFunc("/v1/captcha/lockout", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Lockout{LockedOut: r.URL.Query().Get("ip") == "203.0.113.9", FailedAttempts: 5})
	})
	mux.HandleFunc("/v1/captcha/config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"enabled":true,"mode":"always"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientVerify(t *testing.T) {
	c := NewClient("aura_sk_test", fakeServer(t, true).URL)
	ctx := context.Background()
	res, err := c.Verify(ctx, VerifyRequest{Token: "good"})
	if err != nil || !res.Success {
		t.Fatalf("good: %+v %v", res, err)
	}
	res, err = c.Verify(ctx, VerifyRequest{Token: "bad"})
	if err != nil || res.Success || res.Error != "verification failed" {
		t.Fatalf("bad: %+v %v", res, err)
	}
	_, err = c.Verify(ctx, VerifyRequest{Token: "locked"})
	var lo *LockedOutError
	if !errors.As(err, &lo) || lo.RetryAfter != 42*time.Second {
		t.Fatalf("locked: %v", err)
	}
}

func TestClientRequiredLockoutConfig(t *testing.T) {
	srv := fakeServer(t, true)
	ctx := context.Background()
	if _, err := NewClient("wrong", srv.URL).Required(ctx, RequiredRequest{Service: "login"}); err == nil {
		t.Fatalf("expected auth error")
	}
	c := NewClient("aura_sk_test", srv.URL)
	d, err := c.Required(ctx, RequiredRequest{Service: "login"})
	if err != nil || !d.Required {
		t.Fatalf("required: %+v %v", d, err)
	}
	lo, err := c.Lockout(ctx, "203.0.113.9")
	if err != nil || !lo.LockedOut {
		t.Fatalf("lockout: %+v %v", lo, err)
	}
	cfg, err := c.Config(ctx)
	if err != nil || string(cfg) != `{"enabled":true,"mode":"always"}` {
		t.Fatalf("config: %s %v", cfg, err)
	}
}

func TestProtectHTTP(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	protected := ProtectHTTP("login", NewClient("aura_sk_test", fakeServer(t, true).URL), nil, nil)(ok)
	cases := []struct {
		token string
		want  int
	}{
		{"good", http.StatusNoContent},
		{"bad", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"locked", http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.Header.Set("X-Captcha-Token", tc.token)
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("token %q: got %d want %d", tc.token, w.Code, tc.want)
		}
		if tc.token == "locked" && w.Header().Get("Retry-After") == "" {
			t.Fatalf("locked out response without Retry-After")
		}
	}

	open := ProtectHTTP("newsletter", NewClient("aura_sk_test", fakeServer(t, false).URL), nil, nil)(ok)
	w := httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/subscribe", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("not required: %d", w.Code)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"captcha.policy.changed"}`)
	ts := time.Now().Unix()
	header := "t=" + strconv.FormatInt(ts, 10) + ", v1=" + ComputeSignature("whsec", ts, payload)
	if ok, err := VerifySignature("whsec", header, payload, 0); !ok || err != nil {
		t.Fatalf("valid: %v %v", ok, err)
	}
	if ok, _ := VerifySignature("other", header, payload, 0); ok {
		t.Fatalf("wrong secret accepted")
	}
	old := time.Now().Add(-time.Hour).Unix()
	stale := "t=" + strconv.FormatInt(old, 10) + ", v1=" + ComputeSignature("whsec", old, payload)
	if _, err := VerifySignature("whsec", stale, payload, time.Minute); err == nil {
		t.Fatalf("stale signature accepted")
	}
}
