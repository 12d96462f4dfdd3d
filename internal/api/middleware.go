package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/shehryarbajwa/browserpool/internal/ratelimit"
)

// RateLimitMiddleware creates a middleware that enforces per-caller
// rate limits.
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callerID := getCallerID(r)

			if callerID == "" {
				// No caller id, skip rate limiting
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(callerID) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)

				json.NewEncoder(w).Encode(map[string]string{
					"code":  "RateLimited",
					"error": "rate limit exceeded for caller " + callerID,
				})
				return
			}

			tokens := limiter.Tokens(callerID)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(tokens)))

			next.ServeHTTP(w, r)
		})
	}
}

// getCallerID extracts the caller id from the query, header, or JSON
// body, so rate limiting keys the same way the per-caller slots do.
// The body is restored for the handler.
func getCallerID(r *http.Request) string {
	if callerID := r.URL.Query().Get("callerId"); callerID != "" {
		return callerID
	}
	if callerID := r.Header.Get("X-Caller-ID"); callerID != "" {
		return callerID
	}

	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var peek struct {
		CallerID string `json:"callerId"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return ""
	}
	return peek.CallerID
}
