package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages rate limits for multiple callers.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a new rate limiter.
// requestsPerHour: total requests allowed per hour per caller
// burst: max requests in a burst
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	// Convert requests per hour to requests per second
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// GetLimiter returns the rate limiter for a specific caller.
func (l *Limiter) GetLimiter(callerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[callerID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[callerID] = limiter
	}

	return limiter
}

// Allow checks if a request is allowed for the given caller.
func (l *Limiter) Allow(callerID string) bool {
	limiter := l.GetLimiter(callerID)
	return limiter.Allow()
}

// Tokens returns the current number of available tokens for a caller.
func (l *Limiter) Tokens(callerID string) float64 {
	limiter := l.GetLimiter(callerID)
	return limiter.Tokens()
}
