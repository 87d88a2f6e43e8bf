package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/Armour007/aura-captcha/internal/utils"
)

// WebhookPayload is the body POSTed to each webhook URL. It carries the
// browser-safe projection, not the full policy row.
type WebhookPayload struct {
	Event   string                `json:"event"`
	Version int64                 `json:"version"`
	Reason  string                `json:"reason"`
	Editor  string                `json:"editor,omitempty"`
	At      time.Time             `json:"at"`
	Config  policy.FrontendConfig `json:"config"`
}

// WebhookConsumer pushes signed policy-change notifications to external URLs.
type WebhookConsumer struct {
	urls    []string
	secret  string
	envKeys policy.EnvKeys
	client  *http.Client
}

func NewWebhookConsumer(urls []string, secret string, envKeys policy.EnvKeys) *WebhookConsumer {
	return &WebhookConsumer{
		urls:    urls,
		secret:  secret,
		envKeys: envKeys,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (w *WebhookConsumer) Name() string { return "webhook" }

// ApplyPolicy delivers to every URL and joins the failures.
func (w *WebhookConsumer) ApplyPolicy(ctx context.Context, ev PolicyChanged) error {
	body, err := json.Marshal(WebhookPayload{
		Event:   "captcha.policy.changed",
		Version: ev.Version,
		Reason:  ev.Reason,
		Editor:  ev.Editor,
		At:      ev.At,
		Config:  policy.Frontend(ev.Settings, w.envKeys),
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, u := range w.urls {
		if err := w.post(ctx, u, body, ev.At); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
		}
	}
	return errors.Join(errs...)
}

func (w *WebhookConsumer) post(ctx context.Context, url string, body []byte, at time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(utils.SignatureHeader, utils.SignatureHeaderValue(w.secret, at, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
