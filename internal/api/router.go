package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Armour007/aura-captcha/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessCheck is a named dependency check used by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Routes holds what RegisterRoutes needs to mount the captcha API.
type Routes struct {
	Handlers  *Handlers
	JWTSecret []byte
	// ServiceKeyHash is the bcrypt hash of the service API key. Empty leaves
	// the public routes unauthenticated.
	ServiceKeyHash string
	Readiness      []ReadinessCheck
}

// RegisterRoutes mounts health, metrics, public and admin routes on router.
func RegisterRoutes(router *gin.Engine, rt Routes) {
	router.Use(observability.MetricsMiddleware())
	router.Use(RequestIDMiddleware())

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/readyz", readyz(rt.Readiness))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := rt.Handlers
	public := router.Group("/v1/captcha")
	if rt.ServiceKeyHash != "" {
		public.Use(ServiceKeyMiddleware(rt.ServiceKeyHash))
	}
	{
		public.GET("/config", h.GetConfig)
		public.POST("/challenge", h.IssueChallenge)
		public.POST("/required", h.Required)
		public.GET("/lockout", h.Lockout)
		public.POST("/verify", h.Verify)
	}

	admin := router.Group("/admin/captcha")
	admin.Use(AdminAuthMiddleware(rt.JWTSecret))
	{
		admin.GET("", h.AdminOverview)
		admin.PATCH("/settings", h.UpdateSettings)
		admin.POST("/reload", h.ReloadSettings)
		admin.POST("/disable", h.DisableAll)
		admin.POST("/enable", h.EnableAll)
		admin.POST("/providers/:kind", h.ToggleProvider)
		admin.POST("/services/:service", h.ToggleService)
		admin.POST("/exempt-ips", h.AddExemptIP)
		admin.DELETE("/exempt-ips/*ip", h.RemoveExemptIP)
		admin.POST("/purge", h.PurgeAttempts)
	}
}

func readyz(checks []ReadinessCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, rc := range checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 300*time.Millisecond)
			err := rc.Check(ctx)
			cancel()
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "check": rc.Name, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
