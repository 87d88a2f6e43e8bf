package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminOverview returns the policy together with the last 24h of stats.
// GET /admin/captcha
func (h *Handlers) AdminOverview(c *gin.Context) {
	ov, err := h.svc.GetAdminOverview(c.Request.Context())
	if err != nil {
		respondPolicyError(c, "load captcha overview", err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

// UpdateSettings applies a partial update.
// PATCH /admin/captcha/settings { "mode": "suspicious", "min_score": 0.7 }
func (h *Handlers) UpdateSettings(c *gin.Context) {
	var patch policy.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	s, err := h.svc.UpdateSettings(c.Request.Context(), patch, editor(c))
	if err != nil {
		respondPolicyError(c, "update captcha settings", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// ReloadSettings rereads the policy from storage.
// POST /admin/captcha/reload
func (h *Handlers) ReloadSettings(c *gin.Context) {
	s, err := h.svc.ReloadSettings(c.Request.Context())
	if err != nil {
		respondPolicyError(c, "reload captcha settings", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// DisableAll flips the global kill switch off.
// POST /admin/captcha/disable
func (h *Handlers) DisableAll(c *gin.Context) {
	s, err := h.svc.DisableAll(c.Request.Context(), editor(c))
	if err != nil {
		respondPolicyError(c, "disable captcha", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// POST /admin/captcha/enable
func (h *Handlers) EnableAll(c *gin.Context) {
	s, err := h.svc.EnableAll(c.Request.Context(), editor(c))
	if err != nil {
		respondPolicyError(c, "enable captcha", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type toggleRequest struct {
	Enabled  *bool `json:"enabled"`
	Required *bool `json:"required"`
}

// ToggleProvider enables or disables a single provider.
// POST /admin/captcha/providers/:kind { "enabled": true }
func (h *Handlers) ToggleProvider(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"enabled\": true|false}"})
		return
	}
	kind := policy.Kind(strings.ToLower(c.Param("kind")))
	s, err := h.svc.ToggleProvider(c.Request.Context(), kind, *req.Enabled, editor(c))
	if err != nil {
		respondPolicyError(c, "toggle captcha provider", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// ToggleService sets the requirement flag of one service.
// POST /admin/captcha/services/:service { "required": false }
func (h *Handlers) ToggleService(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Required == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"required\": true|false}"})
		return
	}
	svc := policy.Service(strings.ToLower(c.Param("service")))
	s, err := h.svc.ToggleServiceRequirement(c.Request.Context(), svc, *req.Required, editor(c))
	if err != nil {
		respondPolicyError(c, "toggle captcha service", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// AddExemptIP
// POST /admin/captcha/exempt-ips { "ip": "10.0.0.0/8" }
func (h *Handlers) AddExemptIP(c *gin.Context) {
	var req struct {
		IP string `json:"ip" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	s, err := h.svc.AddExemptIP(c.Request.Context(), req.IP, editor(c))
	if err != nil {
		respondPolicyError(c, "add exempt ip", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// RemoveExemptIP takes the address as a wildcard so CIDRs keep their slash.
// DELETE /admin/captcha/exempt-ips/*ip
func (h *Handlers) RemoveExemptIP(c *gin.Context) {
	ip := strings.TrimPrefix(c.Param("ip"), "/")
	if ip == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip required"})
		return
	}
	s, err := h.svc.RemoveExemptIP(c.Request.Context(), ip, editor(c))
	if err != nil {
		respondPolicyError(c, "remove exempt ip", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// PurgeAttempts deletes ledger rows older than days.
// POST /admin/captcha/purge { "days": 30 }
func (h *Handlers) PurgeAttempts(c *gin.Context) {
	var req struct {
		Days int `json:"days"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}
	n, err := h.svc.PurgeOldAttempts(c.Request.Context(), req.Days)
	if err != nil {
		zap.L().Error("purge captcha attempts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purge failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n, "days": req.Days})
}

func editor(c *gin.Context) string {
	return c.GetString(ctxAdminSubject)
}

func respondPolicyError(c *gin.Context, op string, err error) {
	var verr *policy.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid captcha settings", "problems": verr.Problems})
		return
	}
	zap.L().Error(op, zap.Error(err), zap.String("request_id", RequestIDFrom(c.Request.Context())))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "captcha policy storage error"})
}
