package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"paykit/internal/response"
)

const limiterTTL = 15 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per project.
type RateLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	entries     map[string]*limiterEntry
	lastCleanup time.Time
}

// NewRateLimiter allows rps requests per second with the given burst.
// rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:       rate.Limit(rps),
		burst:       burst,
		entries:     make(map[string]*limiterEntry),
		lastCleanup: time.Now(),
	}
}

// Allow takes a token from key's bucket. perSecond overrides the default
// rate when positive.
func (r *RateLimiter) Allow(key string, perSecond int) bool {
	if r == nil || (r.limit <= 0 && perSecond <= 0) {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastCleanup) >= limiterTTL {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) > limiterTTL {
				delete(r.entries, k)
			}
		}
		r.lastCleanup = now
	}

	e, ok := r.entries[key]
	if !ok {
		limit, burst := r.limit, r.burst
		if perSecond > 0 {
			limit = rate.Limit(perSecond)
			burst = max(burst, perSecond)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(limit, burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// RateLimitMiddleware rejects requests over the project's budget with 429.
// It must run after ProjectAuthMiddleware.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		project := Project(c)
		if project == nil {
			c.Next()
			return
		}
		if !limiter.Allow(project.ProjectID, project.RateLimit) {
			response.AbortJSON(c, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		c.Next()
	}
}
