package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signal-engine/internal/monitor"
)

// ipLimiters hands out one token bucket per client IP. The set is dropped
// wholesale every limiterTTL so idle addresses do not accumulate.
type ipLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	reset    time.Time
	rps      rate.Limit
	burst    int
}

const limiterTTL = 5 * time.Minute

func newIPLimiters(rps float64, burst int) *ipLimiters {
	return &ipLimiters{
		limiters: make(map[string]*rate.Limiter),
		reset:    time.Now().Add(limiterTTL),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := time.Now(); now.After(l.reset) {
		l.limiters = make(map[string]*rate.Limiter)
		l.reset = now.Add(limiterTTL)
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Feed-Token, X-Request-ID, accept, origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware prevents API abuse with per-IP rate limiting
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	limiters := newIPLimiters(rps, burst)
	return func(c *gin.Context) {
		if !limiters.get(c.ClientIP()).Allow() {
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context. Handlers pass it down to the
// engine, so slow database or venue calls are cancelled rather than piling up.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if ctx.Err() == context.DeadlineExceeded && !c.Writer.Written() {
			respondError(c, http.StatusGatewayTimeout, "TIMEOUT", "request took too long to process")
		}
	}
}

// FeedTokenMiddleware guards the market gate feed with a shared secret.
func FeedTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Feed-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			respondError(c, http.StatusUnauthorized, "INVALID_FEED_TOKEN", "invalid feed token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger logs all API requests with timing and status; optionally records metrics.
func RequestLogger(log *zap.Logger, metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if metrics != nil && path != "/ws" {
			metrics.APILatency.RecordDuration(latency)
			if status >= http.StatusInternalServerError {
				metrics.IncErrors()
			}
		}

		fields := []zap.Field{
			zap.String("request_id", c.GetString("RequestID")),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
