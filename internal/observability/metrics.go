package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

var (
	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aura",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Name: "http_requests_total", Help: "Total HTTP requests"},
		[]string{"method", "path", "status"},
	)
	verifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Subsystem: "captcha", Name: "verify_total", Help: "Verification attempts by provider and outcome"},
		[]string{"provider", "outcome"},
	)
	decisionReasonTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Subsystem: "captcha", Name: "requirement_decisions_total", Help: "Requirement decisions by service, reason and result"},
		[]string{"service", "reason", "required"},
	)
	// Provider siteverify calls
	externalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "aura", Subsystem: "captcha", Name: "provider_op_duration_seconds", Help: "Duration of provider siteverify calls"},
		[]string{"op", "outcome"},
	)
	externalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Subsystem: "captcha", Name: "provider_op_total", Help: "Total provider siteverify calls"},
		[]string{"op", "outcome"},
	)
	breakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "aura", Name: "circuit_breaker_open", Help: "Circuit breaker state: 1=open, 0=closed"},
		[]string{"breaker"},
	)
	cacheHitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Name: "cache_hit_total", Help: "Cache hits by component and key"},
		[]string{"component", "key"},
	)
	cacheMissTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Name: "cache_miss_total", Help: "Cache misses by component and key"},
		[]string{"component", "key"},
	)
	consumerPushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Subsystem: "captcha", Name: "policy_push_total", Help: "Policy change deliveries by consumer and outcome"},
		[]string{"consumer", "outcome"},
	)
	challengeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Subsystem: "captcha", Name: "challenge_events_total", Help: "Self-hosted challenge lifecycle events"},
		[]string{"event"},
	)
	lockoutRejectTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "aura", Subsystem: "captcha", Name: "lockout_reject_total", Help: "Verify requests rejected because the caller IP is locked out"},
	)
	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "aura", Name: "rate_limited_total", Help: "Requests rejected by the rate limiter"},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(reqDuration, reqTotal, verifyTotal, decisionReasonTotal, externalDuration, externalTotal, breakerOpen, cacheHitTotal, cacheMissTotal, consumerPushTotal, challengeTotal, lockoutRejectTotal, rateLimitedTotal)
}

// MetricsMiddleware records basic HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		observer := reqDuration.WithLabelValues(c.Request.Method, path, status)
		// attach exemplar with trace_id if present
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			if eo, ok := observer.(prometheus.ExemplarObserver); ok {
				eo.ObserveWithExemplar(dur, prometheus.Labels{"trace_id": sc.TraceID().String()})
			} else {
				observer.Observe(dur)
			}
		} else {
			observer.Observe(dur)
		}
		reqTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordVerify counts a finished verification.
func RecordVerify(provider string, success bool) {
	verifyTotal.WithLabelValues(provider, outcome(success)).Inc()
}

// RecordRequirementDecision counts an IsVerificationRequired outcome.
func RecordRequirementDecision(service, reason string, required bool) {
	if service == "" {
		service = "unspecified"
	}
	decisionReasonTotal.WithLabelValues(service, reason, strconv.FormatBool(required)).Inc()
}

// RecordExternalOp records an external operation metric with duration and outcome
func RecordExternalOp(op string, dur time.Duration, success bool) {
	o := "success"
	if !success {
		o = "error"
	}
	externalDuration.WithLabelValues(op, o).Observe(dur.Seconds())
	externalTotal.WithLabelValues(op, o).Inc()
}

// SetBreakerState updates the breaker state gauge (1=open, 0=closed)
func SetBreakerState(name string, open bool) {
	if open {
		breakerOpen.WithLabelValues(name).Set(1)
	} else {
		breakerOpen.WithLabelValues(name).Set(0)
	}
}

func RecordCacheHit(component, key string)  { cacheHitTotal.WithLabelValues(component, key).Inc() }
func RecordCacheMiss(component, key string) { cacheMissTotal.WithLabelValues(component, key).Inc() }

// RecordConsumerPush counts a policy change delivery to a named consumer.
func RecordConsumerPush(consumer string, success bool) {
	consumerPushTotal.WithLabelValues(consumer, outcome(success)).Inc()
}

// RecordChallenge counts a challenge lifecycle event (issued, passed, rejected, swept).
func RecordChallenge(event string) { challengeTotal.WithLabelValues(event).Inc() }

// AddChallenges adds n to a challenge lifecycle counter.
func AddChallenges(event string, n int64) {
	if n > 0 {
		challengeTotal.WithLabelValues(event).Add(float64(n))
	}
}

func IncLockoutReject() { lockoutRejectTotal.Inc() }

func IncRateLimited(backend string) { rateLimitedTotal.WithLabelValues(backend).Inc() }
