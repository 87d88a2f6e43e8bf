package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Armour007/aura-captcha/internal/captcha"
	"github.com/Armour007/aura-captcha/internal/observability"
	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/Armour007/aura-captcha/internal/verify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handlers serves the public and admin captcha endpoints.
type Handlers struct {
	svc      *captcha.Service
	frontend *FrontendCache
	limiter  *RateLimiter
}

// NewHandlers wires the handlers. limiter may be nil to leave verify unlimited.
func NewHandlers(svc *captcha.Service, frontend *FrontendCache, limiter *RateLimiter) *Handlers {
	if frontend == nil {
		frontend = NewFrontendCache(svc)
	}
	return &Handlers{svc: svc, frontend: frontend, limiter: limiter}
}

// GetConfig returns the browser-safe config.
// GET /v1/captcha/config
func (h *Handlers) GetConfig(c *gin.Context) {
	h.frontend.Serve(c)
}

// IssueChallenge creates a self-hosted challenge.
// POST /v1/captcha/challenge
func (h *Handlers) IssueChallenge(c *gin.Context) {
	issued, err := h.svc.IssueChallenge(c.Request.Context())
	if errors.Is(err, captcha.ErrCustomDisabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		zap.L().Error("issue captcha challenge", zap.Error(err), zap.String("request_id", RequestIDFrom(c.Request.Context())))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue challenge"})
		return
	}
	c.JSON(http.StatusOK, issued)
}

type requiredRequest struct {
	Service       string `json:"service" binding:"required"`
	Authenticated bool   `json:"authenticated"`
	Admin         bool   `json:"admin"`
	ClientIP      string `json:"client_ip"`
}

// Required decides whether a flow must present a token.
// POST /v1/captcha/required { "service": "login", "authenticated": false }
func (h *Handlers) Required(c *gin.Context) {
	var req requiredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	d, err := h.svc.IsVerificationRequired(c.Request.Context(), req.Service, captcha.AuthContext{
		Authenticated: req.Authenticated,
		Admin:         req.Admin,
		ClientIP:      clientIP(c, req.ClientIP),
	})
	if err != nil {
		zap.L().Error("captcha requirement decision", zap.Error(err), zap.String("service", req.Service))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load captcha policy"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// Lockout reports the lockout state of the caller or of ?ip=.
// GET /v1/captcha/lockout
func (h *Handlers) Lockout(c *gin.Context) {
	ip := clientIP(c, c.Query("ip"))
	lo, err := h.svc.IsLockedOut(c.Request.Context(), ip)
	if err != nil {
		zap.L().Error("captcha lockout check", zap.Error(err), zap.String("client_ip", ip))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check lockout"})
		return
	}
	c.JSON(http.StatusOK, lo)
}

type verifyRequest struct {
	Token       string `json:"token"`
	Provider    string `json:"provider"`
	ChallengeID string `json:"challenge_id"`
	Service     string `json:"service"`
	ClientIP    string `json:"client_ip"`
}

// Verify checks a token after the lockout pre-check. Rejections are reported
// with a generic message; the precise reason is only logged.
// POST /v1/captcha/verify
func (h *Handlers) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	ip := clientIP(c, req.ClientIP)
	if !h.limiter.Allow(c, ip) {
		return
	}

	lo, err := h.svc.IsLockedOut(ctx, ip)
	if err != nil {
		zap.L().Error("captcha lockout check", zap.Error(err), zap.String("client_ip", ip))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to check lockout"})
		return
	}
	if lo.LockedOut {
		observability.IncLockoutReject()
		c.Header("Retry-After", fmt.Sprintf("%d", retrySeconds(lo.RetryAfter)))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success":        false,
			"error":          "Too many failed attempts. Try again later.",
			"retry_after_ms": lo.RetryAfterMS,
		})
		return
	}

	vr := verify.Request{
		Token:       req.Token,
		ClientIP:    ip,
		ChallengeID: req.ChallengeID,
		Service:     req.Service,
	}
	if p := strings.TrimSpace(req.Provider); p != "" {
		k := policy.Kind(strings.ToLower(p))
		vr.Provider = &k
	}
	res := h.svc.Verify(ctx, vr)
	switch {
	case res.Success:
		c.JSON(http.StatusOK, res)
	case res.Error == verify.ErrTokenRequired:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": res.Error})
	default:
		zap.L().Info("captcha verification rejected",
			zap.String("provider", res.Provider),
			zap.String("reason", res.Error),
			zap.String("client_ip", ip),
			zap.String("request_id", RequestIDFrom(ctx)))
		c.JSON(http.StatusForbidden, gin.H{"success": false, "provider": res.Provider, "error": verify.ErrGeneric})
	}
}

// clientIP prefers an explicit address forwarded by the calling service.
func clientIP(c *gin.Context, explicit string) string {
	if ip := strings.TrimSpace(explicit); ip != "" {
		return ip
	}
	return c.ClientIP()
}
