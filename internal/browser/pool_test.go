package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// fakeRuntime stands in for the Docker runtime.
type fakeRuntime struct {
	mu         sync.Mutex
	launched   int
	stopped    []string
	alive      map[string]bool
	launchErr  error
	launchGate chan struct{} // when set, Launch blocks on it before returning
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{alive: make(map[string]bool)}
}

func (f *fakeRuntime) Launch(ctx context.Context, processID string) (*Instance, error) {
	f.mu.Lock()
	if f.launchErr != nil {
		f.mu.Unlock()
		return nil, f.launchErr
	}
	f.launched++
	containerID := fmt.Sprintf("container-%d", f.launched)
	f.alive[containerID] = true
	port := 9000 + f.launched
	gate := f.launchGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return &Instance{
		ContainerID: containerID,
		ConnectURL:  fmt.Sprintf("ws://localhost:%d", port),
	}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	delete(f.alive, containerID)
	return nil
}

func (f *fakeRuntime) Probe(ctx context.Context, containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[containerID]
}

func (f *fakeRuntime) kill(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[containerID] = false
}

func (f *fakeRuntime) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func (f *fakeRuntime) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launched
}

func (f *fakeRuntime) EnsureImage(ctx context.Context) error { return nil }
func (f *fakeRuntime) Close() error                          { return nil }

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxProcesses:        2,
		ContextsPerProcess:  2,
		MinWarmProcesses:    1,
		ProcessMaxAge:       time.Hour,
		ProcessMaxContexts:  100,
		HealthProbeInterval: time.Hour,
		ShutdownGrace:       time.Second,
	}
}

func TestAcquireLaunchesOnDemand(t *testing.T) {
	rt := newFakeRuntime()
	pool := NewPool(rt, testPoolConfig(), zap.NewNop())

	proc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ProcessReady, proc.State)
	assert.Equal(t, 1, proc.LeasedContexts)
	assert.Equal(t, 1, rt.launched)

	// Second context rides the same process.
	proc2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proc.ID, proc2.ID)
	assert.Equal(t, 1, rt.launched)
}

func TestAcquireExhaustedAtCapacity(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testPoolConfig()
	cfg.MaxProcesses = 1
	pool := NewPool(rt, cfg, zap.NewNop())

	for i := 0; i < cfg.ContextsPerProcess; i++ {
		_, err := pool.Acquire(context.Background())
		require.NoError(t, err)
	}

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestReleaseFreesCapacity(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testPoolConfig()
	cfg.MaxProcesses = 1
	pool := NewPool(rt, cfg, zap.NewNop())

	proc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.ReleaseContext(proc.ID)

	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proc.ID, again.ID)
}

func TestReportUnhealthyStopsRouting(t *testing.T) {
	rt := newFakeRuntime()
	pool := NewPool(rt, testPoolConfig(), zap.NewNop())

	proc, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.ReportUnhealthy(proc.ID)

	// New contexts go to a fresh process, not the degraded one.
	next, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, proc.ID, next.ID)
	assert.Equal(t, 2, rt.launched)

	// Draining the last context retires the degraded process.
	pool.ReleaseContext(proc.ID)
	assert.Equal(t, 1, rt.stopCount())
}

func TestReportUnhealthyIdleProcessStopsImmediately(t *testing.T) {
	rt := newFakeRuntime()
	pool := NewPool(rt, testPoolConfig(), zap.NewNop())

	proc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.ReleaseContext(proc.ID)

	pool.ReportUnhealthy(proc.ID)
	assert.Equal(t, 1, rt.stopCount())
}

func TestRecycleAfterServedContexts(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testPoolConfig()
	cfg.ProcessMaxContexts = 1
	pool := NewPool(rt, cfg, zap.NewNop())

	proc, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// The process served its context quota; releasing retires it.
	pool.ReleaseContext(proc.ID)
	assert.Equal(t, 1, rt.stopCount())

	// The next acquire gets a fresh process.
	next, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, proc.ID, next.ID)
}

func TestDeadProcessReplacedAndLeasesFailed(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testPoolConfig()
	cfg.MinWarmProcesses = 1
	pool := NewPool(rt, cfg, zap.NewNop())

	var downMu sync.Mutex
	var down []string
	pool.SetOnProcessDown(func(id string) {
		downMu.Lock()
		down = append(down, id)
		downMu.Unlock()
	})

	proc, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	rt.kill(proc.ContainerID)

	// Three consecutive failed probes declare the process dead.
	for i := 0; i < 3; i++ {
		pool.probeAll()
	}

	downMu.Lock()
	require.Len(t, down, 1)
	assert.Equal(t, proc.ID, down[0])
	downMu.Unlock()

	// A warm replacement was launched, capacity restored.
	status := pool.Status()
	require.Len(t, status.Processes, 1)
	assert.NotEqual(t, proc.ID, status.Processes[0].ID)
	assert.Equal(t, 0, status.LeasedContexts)
}

func TestFewerProbeFailuresDoNotKill(t *testing.T) {
	rt := newFakeRuntime()
	pool := NewPool(rt, testPoolConfig(), zap.NewNop())

	proc, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	rt.kill(proc.ContainerID)
	pool.probeAll()
	pool.probeAll()

	status := pool.Status()
	require.Len(t, status.Processes, 1)
	assert.Equal(t, proc.ID, status.Processes[0].ID)
}

func TestShutdownStopsAllProcesses(t *testing.T) {
	rt := newFakeRuntime()
	pool := NewPool(rt, testPoolConfig(), zap.NewNop())

	_, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.Shutdown(context.Background()))
	assert.Equal(t, 1, rt.stopCount())

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConcurrentAcquireRespectsProcessBound(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testPoolConfig()
	cfg.MaxProcesses = 1
	cfg.ContextsPerProcess = 2
	cfg.ProcessMaxContexts = 10000
	pool := NewPool(rt, cfg, zap.NewNop())

	var inFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				proc, err := pool.Acquire(context.Background())
				if err != nil {
					assert.ErrorIs(t, err, ErrPoolExhausted)
					continue
				}
				assert.LessOrEqual(t, proc.LeasedContexts, cfg.ContextsPerProcess)
				cur := inFlight.Add(1)
				assert.LessOrEqual(t, int(cur), cfg.ContextsPerProcess)
				inFlight.Add(-1)
				pool.ReleaseContext(proc.ID)
			}
		}()
	}
	wg.Wait()
}

func TestShutdownDuringLaunchStopsOrphanContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.launchGate = make(chan struct{})
	pool := NewPool(rt, testPoolConfig(), zap.NewNop())

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return rt.launchCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Shutdown(context.Background()))
	close(rt.launchGate)

	err := <-errCh
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, []string{"container-1"}, rt.stopped)
}
