// Package middleware's RateLimiter guards the HTTP ingress: it caps
// requests per client (by X-Forwarded-For, else gin's ClientIP) before they ever reach
// a handler. It is deliberately a thin gin wrapper around
// contentctl/pkg/ratelimit's token-bucket algorithm rather than its own
// bucket implementation, so the ingress cap and the per-model limiter in
// pkg/clients/llm share one accounting engine instead of two
// independently-tuned ones.
package middleware

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"contentctl/pkg/ratelimit"
)

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults for production
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 100,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

// RateLimiter is a per-client HTTP request limiter backed by
// ratelimit.Limiter's token-bucket algorithm.
type RateLimiter struct {
	limiter *ratelimit.Limiter
}

// NewRateLimiter creates a new rate limiter with the given configuration.
// CleanupInterval is accepted for backward compatibility with existing
// callers but is otherwise unused: ratelimit.Limiter keeps no separate
// cleanup goroutine today.
// TODO: if client-IP cardinality grows large in production, add TTL-based
// key eviction to ratelimit.Limiter rather than reintroducing a
// middleware-local cleanup loop.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		limiter: ratelimit.New(ratelimit.Config{
			Algorithm:   ratelimit.AlgorithmTokenBucket,
			MaxRequests: config.RequestsPerMinute,
			WindowMs:    60_000,
			Burst:       config.BurstSize,

			// Charge every request: a cached decision would let a client
			// through again without spending a token.
			ResultCacheTTL: time.Nanosecond,
		}, nil),
	}
}

// Allow checks if a request from the given client should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	return rl.limiter.CheckLimit(clientID, 1).Allowed
}

// Middleware returns a Gin middleware handler for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Use X-Forwarded-For for proxied requests, fallback to ClientIP
		clientID := c.GetHeader("X-Forwarded-For")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		d := rl.limiter.CheckLimit(clientID, 1)
		if !d.Allowed {
			retryAfter := int(math.Ceil(d.Wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": fmt.Sprintf("%ds", retryAfter),
			})
			return
		}

		c.Next()
	}
}

// RateLimitMiddleware creates a rate limiting middleware with default config
func RateLimitMiddleware() gin.HandlerFunc {
	limiter := NewRateLimiter(DefaultRateLimiterConfig())
	return limiter.Middleware()
}

// RateLimitMiddlewareWithConfig creates a rate limiting middleware with custom config
func RateLimitMiddlewareWithConfig(config RateLimiterConfig) gin.HandlerFunc {
	limiter := NewRateLimiter(config)
	return limiter.Middleware()
}
