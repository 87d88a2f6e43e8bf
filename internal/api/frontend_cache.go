package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/Armour007/aura-captcha/internal/captcha"
	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type frontendEntry struct {
	body []byte
	etag string
}

// FrontendCache holds the rendered browser config. It is refreshed as a
// captcha.ConfigConsumer, so GET /v1/captcha/config never touches the store
// once primed.
type FrontendCache struct {
	svc   *captcha.Service
	entry atomic.Pointer[frontendEntry]
}

func NewFrontendCache(svc *captcha.Service) *FrontendCache {
	return &FrontendCache{svc: svc}
}

func (f *FrontendCache) Name() string { return "frontend-config" }

func (f *FrontendCache) ApplyPolicy(ctx context.Context, ev captcha.PolicyChanged) error {
	return f.set(f.svc.FrontendConfigFor(ev.Settings))
}

func (f *FrontendCache) set(cfg policy.FrontendConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	f.entry.Store(&frontendEntry{body: body, etag: `"` + hex.EncodeToString(sum[:8]) + `"`})
	return nil
}

func (f *FrontendCache) load(ctx context.Context) (*frontendEntry, error) {
	if e := f.entry.Load(); e != nil {
		return e, nil
	}
	cfg, err := f.svc.GetFrontendSafeConfig(ctx)
	if err != nil {
		return nil, err
	}
	if err := f.set(cfg); err != nil {
		return nil, err
	}
	return f.entry.Load(), nil
}

// Serve writes the cached config, honouring If-None-Match.
func (f *FrontendCache) Serve(c *gin.Context) {
	e, err := f.load(c.Request.Context())
	if err != nil {
		zap.L().Error("load frontend captcha config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load captcha config"})
		return
	}
	c.Header("ETag", e.etag)
	c.Header("Cache-Control", "no-cache")
	if c.GetHeader("If-None-Match") == e.etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", e.body)
}
