package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages per-interviewer rate limiting for API requests
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond, burst int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Limit(requestsPerSecond),
		burstSize: burst,
	}
}

// getLimiter returns the rate limiter for a specific interviewer
func (rl *RateLimiter) getLimiter(interviewerID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[interviewerID]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[interviewerID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[interviewerID] = limiter

	return limiter
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			interviewerID := r.Header.Get("X-Interviewer-ID")
			if interviewerID == "" {
				// No interviewer id - fall back to the client address
				interviewerID = r.RemoteAddr
			}

			limiter := rl.getLimiter(interviewerID)

			if !limiter.Allow() {
				respondError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded. Please try again later.", map[string]interface{}{
					"limit": limiter.Limit(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
