package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserpool/internal/audit"
	"github.com/shehryarbajwa/browserpool/internal/browser"
	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/executor"
	"github.com/shehryarbajwa/browserpool/internal/lease"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	leases *lease.Manager
	exec   *executor.Executor
	pool   *browser.Pool
	audit  *audit.Store
	cfg    *config.Config
	logger *zap.Logger

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted // per-caller in-flight jobs
}

// NewHandler creates a new HTTP handler.
func NewHandler(leases *lease.Manager, exec *executor.Executor, pool *browser.Pool,
	auditStore *audit.Store, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		leases: leases,
		exec:   exec,
		pool:   pool,
		audit:  auditStore,
		cfg:    cfg,
		logger: logger,
		slots:  make(map[string]*semaphore.Weighted),
	}
}

// SubmitJob handles POST /v1/jobs: acquire a lease, run the job
// against it, release, and return a structured result. Callers always
// get a typed result or a typed error within their declared timeouts.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitJobRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid request body: "+err.Error())
		return
	}

	if req.CallerID == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "callerId is required")
		return
	}
	if len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "BadRequest", "at least one step is required")
		return
	}

	if !h.acquireSlot(req.CallerID) {
		writeError(w, http.StatusTooManyRequests, "CallerSaturated",
			fmt.Sprintf("caller %s has too many jobs in flight", req.CallerID))
		return
	}
	defer h.releaseSlot(req.CallerID)

	leaseTimeout := time.Duration(req.LeaseTimeout) * time.Second
	jobTimeout := time.Duration(req.JobTimeout) * time.Second

	l, err := h.leases.Acquire(r.Context(), req.CallerID, leaseTimeout)
	if err != nil {
		switch {
		case errors.Is(err, lease.ErrLeaseTimeout):
			writeError(w, http.StatusServiceUnavailable, "LeaseTimeout", err.Error())
		case errors.Is(err, browser.ErrPoolExhausted):
			writeError(w, http.StatusServiceUnavailable, "PoolExhausted", err.Error())
		case r.Context().Err() != nil:
			// Client went away while waiting; nothing to answer.
		default:
			h.logger.Error("lease acquisition failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal", err.Error())
		}
		return
	}

	job := &models.Job{
		ID:          uuid.New().String(),
		CallerID:    req.CallerID,
		Steps:       req.Steps,
		Timeout:     jobTimeout,
		SubmittedAt: time.Now(),
	}

	h.logger.Info("job submitted",
		zap.String("jobId", job.ID),
		zap.String("callerId", req.CallerID),
		zap.Int("steps", len(job.Steps)))

	result := h.exec.Run(r.Context(), l, job)
	h.audit.Put(result)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	result, err := h.audit.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetJobArtifacts handles GET /v1/jobs/{id}/artifacts.
func (h *Handler) GetJobArtifacts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	artifacts, err := h.audit.LoadArtifacts(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(artifacts)
}

// ListLeases handles GET /v1/leases.
func (h *Handler) ListLeases(w http.ResponseWriter, r *http.Request) {
	leases := h.leases.List()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(leases)
}

// GetLease handles GET /v1/leases/{id}.
func (h *Handler) GetLease(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	l, err := h.leases.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(l)
}

// ReleaseLease handles DELETE /v1/leases/{id}.
func (h *Handler) ReleaseLease(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := h.leases.Release(id); err != nil {
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPoolStatus handles GET /v1/pool.
func (h *Handler) GetPoolStatus(w http.ResponseWriter, r *http.Request) {
	status := h.pool.Status()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// acquireSlot bounds in-flight jobs per caller.
func (h *Handler) acquireSlot(callerID string) bool {
	h.mu.Lock()
	sem, exists := h.slots[callerID]
	if !exists {
		sem = semaphore.NewWeighted(int64(h.cfg.Job.CallerConcurrency))
		h.slots[callerID] = sem
	}
	h.mu.Unlock()

	return sem.TryAcquire(1)
}

func (h *Handler) releaseSlot(callerID string) {
	h.mu.Lock()
	sem := h.slots[callerID]
	h.mu.Unlock()

	if sem != nil {
		sem.Release(1)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":  code,
		"error": message,
	})
}
