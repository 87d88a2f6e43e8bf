package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the /v1/captcha API of an aura-captcha deployment.
type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8081"
	}
	return &Client{APIKey: apiKey, BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

type RequiredRequest struct {
	Service       string `json:"service"`
	Authenticated bool   `json:"authenticated"`
	Admin         bool   `json:"admin"`
	ClientIP      string `json:"client_ip,omitempty"`
}

type Decision struct {
	Required bool   `json:"required"`
	Reason   string `json:"reason"`
}

type VerifyRequest struct {
	Token       string `json:"token"`
	Provider    string `json:"provider,omitempty"`
	ChallengeID string `json:"challenge_id,omitempty"`
	Service     string `json:"service,omitempty"`
	ClientIP    string `json:"client_ip,omitempty"`
}

type VerifyResponse struct {
	Success  bool     `json:"success"`
	Provider string   `json:"provider"`
	Score    *float64 `json:"score,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type Lockout struct {
	LockedOut      bool  `json:"locked_out"`
	RetryAfterMS   int64 `json:"retry_after_ms"`
	FailedAttempts int   `json:"failed_attempts"`
}

// LockedOutError is returned by Verify when the server answers 429.
type LockedOutError struct {
	RetryAfter time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("captcha: too many failed attempts, retry after %s", e.RetryAfter)
}

// Required asks whether a flow must present a token.
func (c *Client) Required(ctx context.Context, req RequiredRequest) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPost, "/v1/captcha/required", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify checks a token. A rejected token is reported as Success=false with a
// nil error; transport and server faults are errors.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	resp, err := c.send(ctx, http.MethodPost, "/v1/captcha/verify", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest, http.StatusForbidden:
		var out VerifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return &out, nil
	case http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, &LockedOutError{RetryAfter: time.Duration(secs) * time.Second}
	}
	return nil, errors.New("captcha verify failed: status " + resp.Status)
}

// Lockout reports the lockout state of ip.
func (c *Client) Lockout(ctx context.Context, ip string) (*Lockout, error) {
	var out Lockout
	if err := c.do(ctx, http.MethodGet, "/v1/captcha/lockout?ip="+url.QueryEscape(ip), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Config fetches the browser-safe widget config as raw JSON, ready to embed.
func (c *Client) Config(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/captcha/config", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return hc.Do(req)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New("captcha request failed: status " + resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
