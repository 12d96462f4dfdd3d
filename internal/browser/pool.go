// Package browser owns the bounded pool of browser engine processes:
// cold start, capacity routing, health probing, recycling, and
// graceful shutdown.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

var (
	// ErrPoolExhausted is returned when the pool is at max size and
	// every process is saturated or draining. Callers may retry.
	ErrPoolExhausted = errors.New("browser pool exhausted")

	// ErrPoolClosed is returned for operations after Shutdown.
	ErrPoolClosed = errors.New("browser pool closed")
)

// consecutive probe failures before a process is declared dead
const deadProbeThreshold = 3

// Pool manages browser processes. The process table is only mutated
// under the pool's lock; no other component touches a process record.
type Pool struct {
	mu      sync.Mutex
	procs   map[string]*models.BrowserProcess
	runtime Runtime
	cfg     config.PoolConfig
	logger  *zap.Logger

	// onDown is invoked (outside the lock) with the id of every
	// process declared dead, so the lease manager can fail its leases.
	onDown func(processID string)

	closed    bool
	probing   bool
	probeStop chan struct{}
	probeDone chan struct{}
}

// NewPool creates a process pool on top of the given runtime.
func NewPool(rt Runtime, cfg config.PoolConfig, logger *zap.Logger) *Pool {
	return &Pool{
		procs:     make(map[string]*models.BrowserProcess),
		runtime:   rt,
		cfg:       cfg,
		logger:    logger,
		probeStop: make(chan struct{}),
		probeDone: make(chan struct{}),
	}
}

// SetOnProcessDown registers the dead-process callback. Must be called
// before Start.
func (p *Pool) SetOnProcessDown(fn func(processID string)) {
	p.onDown = fn
}

// Start ensures the browser image is present, launches the warm pool,
// and begins health probing.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.runtime.EnsureImage(ctx); err != nil {
		return fmt.Errorf("failed to ensure browser image: %w", err)
	}

	for i := 0; i < p.cfg.MinWarmProcesses; i++ {
		if _, err := p.launch(ctx); err != nil {
			return fmt.Errorf("failed to warm pool: %w", err)
		}
	}

	p.mu.Lock()
	p.probing = true
	p.mu.Unlock()
	go p.healthLoop()
	return nil
}

// Acquire returns a process with spare context capacity, launching a
// new one when every live process is saturated and the pool is below
// max size. The returned record's context count is already incremented
// on behalf of the caller; ReleaseContext must be called exactly once
// per successful Acquire.
func (p *Pool) Acquire(ctx context.Context) (*models.BrowserProcess, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if proc := p.pickLocked(); proc != nil {
		proc.LeasedContexts++
		proc.ServedContexts++
		snapshot := *proc
		p.mu.Unlock()
		return &snapshot, nil
	}

	if len(p.procs) >= p.cfg.MaxProcesses {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.mu.Unlock()

	proc, err := p.launch(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Concurrent acquirers may have filled the fresh process between
	// launch returning and the relock; re-check the bound.
	if proc.State != models.ProcessReady || proc.LeasedContexts >= p.cfg.ContextsPerProcess {
		if other := p.pickLocked(); other != nil {
			other.LeasedContexts++
			other.ServedContexts++
			snapshot := *other
			return &snapshot, nil
		}
		return nil, ErrPoolExhausted
	}
	proc.LeasedContexts++
	proc.ServedContexts++
	snapshot := *proc
	return &snapshot, nil
}

// pickLocked returns a ready process that can take another context, or
// nil. Degraded and recycle-due processes are skipped.
func (p *Pool) pickLocked() *models.BrowserProcess {
	for _, proc := range p.procs {
		if proc.State != models.ProcessReady {
			continue
		}
		if proc.LeasedContexts >= p.cfg.ContextsPerProcess {
			continue
		}
		if p.recycleDueLocked(proc) {
			continue
		}
		return proc
	}
	return nil
}

func (p *Pool) recycleDueLocked(proc *models.BrowserProcess) bool {
	if proc.ServedContexts >= p.cfg.ProcessMaxContexts {
		return true
	}
	return time.Since(proc.LaunchedAt) >= p.cfg.ProcessMaxAge
}

// launch starts a browser process and registers it as ready. A
// placeholder record reserves the pool slot while the engine boots, so
// concurrent launches cannot overshoot MaxProcesses.
func (p *Pool) launch(ctx context.Context) (*models.BrowserProcess, error) {
	id := uuid.New().String()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.procs) >= p.cfg.MaxProcesses {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	proc := &models.BrowserProcess{
		ID:         id,
		State:      models.ProcessStarting,
		LaunchedAt: time.Now(),
	}
	p.procs[id] = proc
	p.mu.Unlock()

	instance, err := p.runtime.Launch(ctx, id)
	if err != nil {
		p.mu.Lock()
		delete(p.procs, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to launch browser process: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		// Shutdown ran while the engine was booting; the record is
		// already off the table, so stop the orphan container here.
		delete(p.procs, id)
		p.mu.Unlock()
		p.stopContainer(instance.ContainerID)
		return nil, ErrPoolClosed
	}
	proc.ContainerID = instance.ContainerID
	proc.ConnectURL = instance.ConnectURL
	proc.State = models.ProcessReady
	p.mu.Unlock()

	p.logger.Info("browser process launched",
		zap.String("processId", id),
		zap.String("connectUrl", instance.ConnectURL))

	return proc, nil
}

// ReleaseContext returns a context slot to the process. Draining
// processes are terminated once their last context is released.
func (p *Pool) ReleaseContext(processID string) {
	p.mu.Lock()
	proc, ok := p.procs[processID]
	if !ok {
		// Process already removed (crash or shutdown); nothing to do.
		p.mu.Unlock()
		return
	}

	if proc.LeasedContexts > 0 {
		proc.LeasedContexts--
	}

	drain := proc.LeasedContexts == 0 &&
		(proc.State == models.ProcessDegraded || p.recycleDueLocked(proc))
	if drain {
		delete(p.procs, processID)
	}
	containerID := proc.ContainerID
	p.mu.Unlock()

	if drain {
		p.logger.Info("retiring drained browser process", zap.String("processId", processID))
		p.stopContainer(containerID)
	}
}

// ReportUnhealthy marks a process degraded: no new contexts are routed
// to it and it is terminated after its current contexts drain.
func (p *Pool) ReportUnhealthy(processID string) {
	p.mu.Lock()
	proc, ok := p.procs[processID]
	if !ok || proc.State == models.ProcessDegraded {
		p.mu.Unlock()
		return
	}
	proc.State = models.ProcessDegraded
	idle := proc.LeasedContexts == 0
	if idle {
		delete(p.procs, processID)
	}
	containerID := proc.ContainerID
	p.mu.Unlock()

	p.logger.Warn("browser process reported unhealthy", zap.String("processId", processID))

	if idle {
		p.stopContainer(containerID)
	}
}

// Status returns a snapshot of the pool.
func (p *Pool) Status() models.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := models.PoolStatus{
		MaxProcesses: p.cfg.MaxProcesses,
		Capacity:     p.cfg.MaxProcesses * p.cfg.ContextsPerProcess,
	}
	for _, proc := range p.procs {
		snapshot := *proc
		status.Processes = append(status.Processes, &snapshot)
		status.LeasedContexts += proc.LeasedContexts
	}
	return status
}

// Shutdown stops probing and terminates all processes, waiting up to
// the configured grace period per process before Docker force-kills.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	probing := p.probing
	procs := make([]*models.BrowserProcess, 0, len(p.procs))
	for _, proc := range p.procs {
		procs = append(procs, proc)
	}
	p.procs = make(map[string]*models.BrowserProcess)
	p.mu.Unlock()

	if probing {
		close(p.probeStop)
		<-p.probeDone
	}

	var wg sync.WaitGroup
	for _, proc := range procs {
		if proc.ContainerID == "" {
			// Still booting; the launcher's closed check stops it.
			continue
		}
		wg.Add(1)
		go func(containerID string) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
			defer cancel()
			if err := p.runtime.Stop(stopCtx, containerID); err != nil {
				p.logger.Warn("failed to stop browser process", zap.Error(err))
			}
		}(proc.ContainerID)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return p.runtime.Close()
}

// healthLoop periodically probes every live process. Three consecutive
// failed probes mark a process dead: its container is removed, its
// leases are failed through onDown, and a warm replacement is launched
// if the pool dropped below the warm target.
func (p *Pool) healthLoop() {
	defer close(p.probeDone)

	ticker := time.NewTicker(p.cfg.HealthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.probeStop:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Pool) probeAll() {
	p.mu.Lock()
	targets := make([]*models.BrowserProcess, 0, len(p.procs))
	for _, proc := range p.procs {
		if proc.State == models.ProcessReady || proc.State == models.ProcessDegraded {
			targets = append(targets, proc)
		}
	}
	p.mu.Unlock()

	for _, proc := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		alive := p.runtime.Probe(ctx, proc.ContainerID)
		cancel()

		if alive {
			p.mu.Lock()
			proc.FailedProbes = 0
			if proc.State == models.ProcessReady && p.recycleDueLocked(proc) {
				p.mu.Unlock()
				p.ReportUnhealthy(proc.ID)
				continue
			}
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		proc.FailedProbes++
		fails := proc.FailedProbes
		dead := fails >= deadProbeThreshold
		if dead {
			proc.State = models.ProcessDead
			delete(p.procs, proc.ID)
		}
		p.mu.Unlock()

		if !dead {
			continue
		}

		p.logger.Error("browser process declared dead",
			zap.String("processId", proc.ID),
			zap.Int("failedProbes", fails))

		p.stopContainer(proc.ContainerID)

		if p.onDown != nil {
			p.onDown(proc.ID)
		}

		p.replenish()
	}
}

// replenish launches a replacement when the pool is below the warm
// target.
func (p *Pool) replenish() {
	p.mu.Lock()
	need := len(p.procs) < p.cfg.MinWarmProcesses && !p.closed
	p.mu.Unlock()
	if !need {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := p.launch(ctx); err != nil {
		p.logger.Warn("failed to launch replacement process", zap.Error(err))
	}
}

func (p *Pool) stopContainer(containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.runtime.Stop(ctx, containerID); err != nil {
		p.logger.Warn("failed to stop container",
			zap.String("containerId", containerID), zap.Error(err))
	}
}
