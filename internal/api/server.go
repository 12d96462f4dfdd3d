package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shehryarbajwa/browserpool/internal/proxy"
	"github.com/shehryarbajwa/browserpool/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Apply rate limiting middleware to job submission
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	if h.cfg.RateLimit.Enabled {
		rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter, h.cfg.RateLimit.RequestsPerHour))
	}

	// Job endpoints (rate limited)
	rateLimitedAPI.HandleFunc("/jobs", h.SubmitJob).Methods("POST", "OPTIONS")

	// Job audit endpoints (not rate limited - read only)
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/artifacts", h.GetJobArtifacts).Methods("GET")

	// Lease endpoints (not rate limited)
	api.HandleFunc("/leases", h.ListLeases).Methods("GET")
	api.HandleFunc("/leases/{id}", h.GetLease).Methods("GET")
	api.HandleFunc("/leases/{id}", h.ReleaseLease).Methods("DELETE")

	// Debug endpoints (not rate limited)
	api.HandleFunc("/leases/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		leaseID := vars["id"]
		proxyServer.HandleDebugConnection(w, r, leaseID)
	}).Methods("GET")

	// Pool status
	api.HandleFunc("/pool", h.GetPoolStatus).Methods("GET")

	// Health check
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
