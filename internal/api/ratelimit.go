package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"crypto-strategy-bot/internal/auth"
)

// rateLimiter is a sliding-window request limiter keyed by caller.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// rateLimitMiddleware keys on the authenticated user, falling back to the
// client address for unauthenticated requests.
func rateLimitMiddleware(limiter *rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := auth.GetUserID(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !limiter.allow(key) {
			respondError(c, http.StatusTooManyRequests, ErrTypeRateLimited,
				"too many requests, slow down", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
