package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Armour007/aura-captcha/internal/captcha"
	"github.com/Armour007/aura-captcha/internal/observability"
	"github.com/Armour007/aura-captcha/internal/policy"
	"github.com/Armour007/aura-captcha/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ctxRequestID    = "requestID"
	ctxAdminSubject = "adminSubject"
)

type requestIDKey struct{}

// RequestIDFrom returns the request id stored by RequestIDMiddleware.
func RequestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// RequestIDMiddleware ensures every request has an X-Request-ID. If absent, generate one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.New().String()
		}
		ctx := context.WithValue(c.Request.Context(), requestIDKey{}, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ctxRequestID, rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

// AdminAuthMiddleware requires a Bearer JWT whose role claim is "admin".
// The token subject becomes the editor recorded on policy changes.
func AdminAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}"})
			return
		}
		claims, err := utils.ParseAdminJWT(secret, parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token: " + err.Error()})
			return
		}
		if claims.Role != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin privileges required"})
			return
		}
		c.Set(ctxAdminSubject, claims.Subject)
		c.Next()
	}
}

// ServiceKeyMiddleware authenticates calling services.
// Expected header: either X-API-Key or Authorization: AURA <key>
func ServiceKeyMiddleware(hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-API-Key")
		if raw == "" {
			if auth := c.GetHeader("Authorization"); auth != "" {
				parts := strings.SplitN(auth, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "AURA") {
					raw = parts[1]
				}
			}
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key required"})
			return
		}
		if !strings.HasPrefix(raw, utils.ServiceKeyPrefix) || len(raw) <= len(utils.ServiceKeyPrefix)+8 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key format"})
			return
		}
		if !utils.CheckServiceKey(raw, hash) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}
		c.Next()
	}
}

// Simple in-memory IP rate limiter (fixed window)
type clientWindow struct {
	count       int
	windowStart time.Time
}

type ipLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientWindow
	limit     int
	window    time.Duration
	lastPrune time.Time
	now       func() time.Time
}

func newIPLimiter(limit int, window time.Duration) *ipLimiter {
	return &ipLimiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (l *ipLimiter) allow(ip string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastPrune) >= l.window {
		l.prune(now)
	}
	cw, ok := l.clients[ip]
	if !ok {
		l.clients[ip] = &clientWindow{count: 1, windowStart: now}
		return true, 0
	}
	if now.Sub(cw.windowStart) >= l.window {
		cw.count = 1
		cw.windowStart = now
		return true, 0
	}
	if cw.count < l.limit {
		cw.count++
		return true, 0
	}
	return false, l.window - now.Sub(cw.windowStart)
}

// prune drops windows that have already expired. Caller holds l.mu.
func (l *ipLimiter) prune(now time.Time) {
	for ip, cw := range l.clients {
		if now.Sub(cw.windowStart) >= l.window {
			delete(l.clients, ip)
		}
	}
	l.lastPrune = now
}

// RateLimiter limits verify calls per client IP, in Redis when configured and
// in process memory otherwise. It is also a captcha.ConfigConsumer: while the
// policy is switched off the limiter lets everything through.
type RateLimiter struct {
	rpm    int
	local  *ipLimiter
	redis  *redis.Client
	active atomic.Bool
}

// NewRateLimiter builds a limiter allowing rpm requests per IP per minute.
// rc may be nil.
func NewRateLimiter(rpm int, rc *redis.Client) *RateLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	r := &RateLimiter{rpm: rpm, local: newIPLimiter(rpm, time.Minute), redis: rc}
	r.active.Store(true)
	return r
}

func (r *RateLimiter) Name() string { return "ratelimit" }

func (r *RateLimiter) ApplyPolicy(ctx context.Context, ev captcha.PolicyChanged) error {
	on := ev.Settings.Enabled && ev.Settings.Mode != policy.ModeDisabled
	if r.active.Swap(on) != on {
		zap.L().Info("verify rate limiter toggled", zap.Bool("active", on), zap.Int64("version", ev.Version))
	}
	return nil
}

// Active reports whether requests are currently being limited.
func (r *RateLimiter) Active() bool { return r.active.Load() }

func (r *RateLimiter) allow(ctx context.Context, ip string) (bool, time.Duration, string) {
	if r.redis != nil {
		now := time.Now().UTC()
		key := fmt.Sprintf("rl:%s:%04d%02d%02d%02d%02d", ip, now.Year(), int(now.Month()), now.Day(), now.Hour(), now.Minute())
		rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		n, err := r.redis.Incr(rctx, key).Result()
		if err == nil {
			_ = r.redis.Expire(rctx, key, 61*time.Second).Err()
			if int(n) > r.rpm {
				return false, time.Duration(60-now.Second()) * time.Second, "redis"
			}
			return true, 0, "redis"
		}
		zap.L().Debug("redis rate limit unavailable, using local limiter", zap.Error(err))
	}
	ok, retry := r.local.allow(ip)
	return ok, retry, "memory"
}

// Allow counts one request for ip, the end-user address the handler resolved.
// When the limit is exceeded it writes the 429 response and returns false.
func (r *RateLimiter) Allow(c *gin.Context, ip string) bool {
	if r == nil || !r.Active() {
		return true
	}
	if net.ParseIP(ip) == nil {
		ip = "unknown"
	}
	ok, retryAfter, backend := r.allow(c.Request.Context(), ip)
	if !ok {
		observability.IncRateLimited(backend)
		c.Header("Retry-After", fmt.Sprintf("%d", retrySeconds(retryAfter)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded. Try again later."})
	}
	return ok
}

// retrySeconds rounds d up to whole seconds, minimum 1.
func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
