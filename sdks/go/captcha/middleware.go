package captcha

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"
)

// TokenFunc extracts the widget token, declared provider and challenge id
// from an incoming request.
type TokenFunc func(r *http.Request) (token, provider, challengeID string)

// HeaderToken reads X-Captcha-Token, X-Captcha-Provider and X-Captcha-Challenge.
func HeaderToken(r *http.Request) (string, string, string) {
	return r.Header.Get("X-Captcha-Token"), r.Header.Get("X-Captcha-Provider"), r.Header.Get("X-Captcha-Challenge")
}

// DenyFunc writes the response for a rejected request. status is 429 for a
// locked-out client, 503 when the captcha service is unreachable and 403
// otherwise.
type DenyFunc func(w http.ResponseWriter, r *http.Request, status int, reason string)

// DefaultDeny writes a JSON error with the given status.
func DefaultDeny(w http.ResponseWriter, r *http.Request, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "captcha verification required", "reason": reason})
}

// ProtectHTTP wraps an http.Handler and, when the policy requires it for
// service, verifies the request's token before invoking next.
// tokenFrom defaults to HeaderToken; onDeny defaults to DefaultDeny.
func ProtectHTTP(service string, client *Client, tokenFrom TokenFunc, onDeny DenyFunc) func(http.Handler) http.Handler {
	if tokenFrom == nil {
		tokenFrom = HeaderToken
	}
	if onDeny == nil {
		onDeny = DefaultDeny
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			d, err := client.Required(r.Context(), RequiredRequest{Service: service, ClientIP: ip})
			if err != nil {
				onDeny(w, r, http.StatusServiceUnavailable, "captcha service unavailable")
				return
			}
			if !d.Required {
				next.ServeHTTP(w, r)
				return
			}
			token, provider, challengeID := tokenFrom(r)
			res, err := client.Verify(r.Context(), VerifyRequest{
				Token:       token,
				Provider:    provider,
				ChallengeID: challengeID,
				Service:     service,
				ClientIP:    ip,
			})
			var lo *LockedOutError
			if errors.As(err, &lo) {
				w.Header().Set("Retry-After", strconv.Itoa(int((lo.RetryAfter+time.Second-1)/time.Second)))
				onDeny(w, r, http.StatusTooManyRequests, "locked out")
				return
			}
			if err != nil || res == nil || !res.Success {
				reason := "verification failed"
				if res != nil && res.Error != "" {
					reason = res.Error
				}
				onDeny(w, r, http.StatusForbidden, reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
