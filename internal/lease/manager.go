// Package lease hands out isolated browsing contexts from pool
// capacity, tracks lease lifetimes, and enforces expiry.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserpool/internal/browser"
	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/driver"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

var (
	// ErrLeaseTimeout is returned when no capacity frees up within the
	// caller's bounded wait. Recoverable; callers should retry with
	// backoff.
	ErrLeaseTimeout = errors.New("timed out waiting for browser capacity")

	// ErrLeaseNotFound is returned for unknown lease ids.
	ErrLeaseNotFound = errors.New("lease not found")
)

// terminal lease records are kept around this long for listing/debug
const terminalRetention = 10 * time.Minute

// pool is the slice of the process pool the lease manager drives.
type pool interface {
	Acquire(ctx context.Context) (*models.BrowserProcess, error)
	ReleaseContext(processID string)
	ReportUnhealthy(processID string)
}

type record struct {
	lease   *models.Lease
	session driver.Session
}

// Manager is the sole synchronization point for pool capacity. The
// lease table is only mutated under the manager's lock.
type Manager struct {
	mu     sync.Mutex
	leases map[string]*record

	capacity *semaphore.Weighted
	pool     pool
	driver   driver.Driver
	cfg      config.LeaseConfig
	logger   *zap.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates a lease manager over the given pool and driver.
// capacity is the pool-wide context bound (maxProcesses x
// contextsPerProcess); the number of concurrently active leases never
// exceeds it.
func NewManager(p pool, d driver.Driver, capacity int, cfg config.LeaseConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		leases:    make(map[string]*record),
		capacity:  semaphore.NewWeighted(int64(capacity)),
		pool:      p,
		driver:    d,
		cfg:       cfg,
		logger:    logger,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Acquire blocks until capacity admits the caller or timeout elapses,
// then opens a fresh isolated browsing context on a pooled process and
// records the lease. The wait suspends the calling goroutine only;
// cancelling ctx abandons the wait with no side effects.
func (m *Manager) Acquire(ctx context.Context, callerID string, timeout time.Duration) (*models.Lease, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if timeout > m.cfg.MaxTimeout {
		return nil, fmt.Errorf("lease timeout %s exceeds maximum %s", timeout, m.cfg.MaxTimeout)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.capacity.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLeaseTimeout
	}

	proc, err := m.acquireProcess(waitCtx, ctx)
	if err != nil {
		m.capacity.Release(1)
		return nil, err
	}

	session, err := m.driver.Open(proc.ConnectURL)
	if err != nil {
		// The process accepted the context slot but the control
		// channel would not attach; treat it as sick.
		m.pool.ReleaseContext(proc.ID)
		m.pool.ReportUnhealthy(proc.ID)
		m.capacity.Release(1)
		return nil, fmt.Errorf("failed to open browsing context: %w", err)
	}

	now := time.Now()
	lease := &models.Lease{
		ID:         uuid.New().String(),
		CallerID:   callerID,
		ProcessID:  proc.ID,
		ConnectURL: proc.ConnectURL,
		State:      models.LeaseActive,
		AcquiredAt: now,
		ExpiresAt:  now.Add(timeout),
	}

	m.mu.Lock()
	m.leases[lease.ID] = &record{lease: lease, session: session}
	m.mu.Unlock()

	m.logger.Debug("lease acquired",
		zap.String("leaseId", lease.ID),
		zap.String("processId", proc.ID),
		zap.String("callerId", callerID))

	snapshot := *lease
	return &snapshot, nil
}

// acquireProcess retries over transient pool exhaustion (a saturated
// pool whose processes are still booting or draining) until the wait
// bound elapses.
func (m *Manager) acquireProcess(waitCtx, callerCtx context.Context) (*models.BrowserProcess, error) {
	for {
		proc, err := m.pool.Acquire(waitCtx)
		if err == nil {
			return proc, nil
		}
		if !errors.Is(err, browser.ErrPoolExhausted) {
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			if callerCtx.Err() != nil {
				return nil, callerCtx.Err()
			}
			return nil, ErrLeaseTimeout
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Release destroys the lease's browsing context and returns its
// capacity. Releasing a lease already in a terminal state is a no-op.
func (m *Manager) Release(id string) error {
	return m.terminate(id, models.LeaseReleased)
}

// terminate moves a lease to a terminal state. The state transition
// under the lock decides the winner when release and the expiry sweep
// race; the loser observes a terminal state and no-ops.
func (m *Manager) terminate(id string, to models.LeaseState) error {
	m.mu.Lock()
	rec, ok := m.leases[id]
	if !ok {
		m.mu.Unlock()
		return ErrLeaseNotFound
	}
	if rec.lease.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	rec.lease.State = to
	session := rec.session
	rec.session = nil
	processID := rec.lease.ProcessID
	m.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			m.logger.Warn("failed to close browsing context",
				zap.String("leaseId", id), zap.Error(err))
		}
	}

	m.pool.ReleaseContext(processID)
	m.capacity.Release(1)

	return nil
}

// Session returns the live browsing session bound to an active lease.
func (m *Manager) Session(id string) (driver.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[id]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	if rec.lease.State != models.LeaseActive || rec.session == nil {
		return nil, fmt.Errorf("lease %s is not active", id)
	}
	return rec.session, nil
}

// Get returns a snapshot of a lease.
func (m *Manager) Get(id string) (*models.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[id]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	snapshot := *rec.lease
	return &snapshot, nil
}

// List returns snapshots of all known leases, newest first not
// guaranteed.
func (m *Manager) List() []*models.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Lease, 0, len(m.leases))
	for _, rec := range m.leases {
		snapshot := *rec.lease
		out = append(out, &snapshot)
	}
	return out
}

// OnProcessDown fails every active lease on a dead process. Unrelated
// leases are untouched; the pool restores capacity by replacement.
func (m *Manager) OnProcessDown(processID string) {
	m.mu.Lock()
	var affected []string
	for id, rec := range m.leases {
		if rec.lease.ProcessID == processID && rec.lease.State == models.LeaseActive {
			affected = append(affected, id)
		}
	}
	m.mu.Unlock()

	for _, id := range affected {
		m.logger.Warn("lease lost to process crash",
			zap.String("leaseId", id), zap.String("processId", processID))
		if err := m.terminate(id, models.LeaseCrashed); err != nil {
			m.logger.Warn("failed to fail crashed lease",
				zap.String("leaseId", id), zap.Error(err))
		}
	}
}

// Close stops the sweep and releases every active lease.
func (m *Manager) Close() {
	close(m.sweepStop)
	<-m.sweepDone

	for _, l := range m.List() {
		if l.State == models.LeaseActive {
			_ = m.terminate(l.ID, models.LeaseReleased)
		}
	}
}

// sweepLoop periodically expires overdue leases and prunes stale
// terminal records.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep force-expires leases past their deadline. An expired-but-held
// lease means a caller failed to release; that must never happen under
// correct behavior, so it is logged loudly rather than swallowed.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var overdue []string
	var stale []string
	for id, rec := range m.leases {
		switch {
		case rec.lease.State == models.LeaseActive && now.After(rec.lease.ExpiresAt):
			overdue = append(overdue, id)
		case rec.lease.State.Terminal() && now.Sub(rec.lease.ExpiresAt) > terminalRetention:
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(m.leases, id)
	}
	m.mu.Unlock()

	for _, id := range overdue {
		m.logger.Warn("orphaned lease force-expired",
			zap.String("leaseId", id))
		if err := m.terminate(id, models.LeaseExpired); err != nil {
			m.logger.Warn("failed to expire lease",
				zap.String("leaseId", id), zap.Error(err))
		}
	}
}
