// Package httpmw holds the gin middleware shared by both services'
// client gateways: request correlation, structured access logging,
// panic recovery and per-client rate limiting. Adapted from the
// teacher's internal/middleware/ratelimit.go and gateway logging
// style, narrowed to what a two-endpoint key/value gateway needs —
// no auth, no per-user limiting, since the spec has no notion of
// a client identity beyond the requesting IP.
package httpmw

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apierrors "github.com/ruvnet/kvconsensus/internal/errors"
)

const requestIDHeader = "X-Request-ID"

// RequestID stamps every request with a correlation id, reusing one
// supplied by the caller if present. Handlers and logs key off
// c.GetString("request_id").
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// Logger emits one structured line per request, in the teacher's
// zap.String/zap.Duration field style.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		logger.Info("http request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// Recovery converts a panic in a handler into a 500 APIError instead
// of crashing the replica process — the client gateway runs alongside
// the engine goroutines and must not take them down with it.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in gateway handler",
					zap.String("request_id", c.GetString("request_id")),
					zap.Any("panic", r),
				)
				apiErr := apierrors.NewInternalError(fmt.Sprintf("internal error: %v", r))
				c.AbortWithStatusJSON(apiErr.HTTPStatus(), apiErr)
			}
		}()
		c.Next()
	}
}

// RateLimiter applies a token-bucket limit per client IP, built on
// golang.org/x/time/rate exactly as the teacher's middleware package
// does, minus the per-user and per-endpoint variants this domain has
// no use for.
type RateLimiter struct {
	mu                sync.Mutex
	limiters          map[string]*rate.Limiter
	requestsPerSecond rate.Limit
	burst             int
}

// NewRateLimiter builds a limiter keyed by client IP.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters:          make(map[string]*rate.Limiter),
		requestsPerSecond: rate.Limit(requestsPerSecond),
		burst:             burst,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rl.requestsPerSecond, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Middleware returns the gin.HandlerFunc enforcing this limiter.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			apiErr := apierrors.NewAPIError(apierrors.BadRequest, "rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apiErr)
			return
		}
		c.Next()
	}
}
