package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/driver"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// scriptedSession programs per-action outcomes.
type scriptedSession struct {
	outputs map[string]string
	errs    map[string]error
	delays  map[string]time.Duration
	panics  map[string]bool

	mu   sync.Mutex
	runs []string
}

func newScriptedSession() *scriptedSession {
	return &scriptedSession{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
		panics:  make(map[string]bool),
	}
}

func (s *scriptedSession) do(action string) (string, error) {
	s.mu.Lock()
	s.runs = append(s.runs, action)
	s.mu.Unlock()

	if s.panics[action] {
		panic("scripted panic in " + action)
	}
	if d := s.delays[action]; d > 0 {
		time.Sleep(d)
	}
	return s.outputs[action], s.errs[action]
}

func (s *scriptedSession) Navigate(url, waitUntil string, timeout time.Duration) (string, error) {
	return s.do("navigate")
}

func (s *scriptedSession) Fill(selectors []string, value string, timeout time.Duration) (string, error) {
	return s.do("fill")
}

func (s *scriptedSession) Click(selectors []string, timeout time.Duration) (string, error) {
	return s.do("click")
}

func (s *scriptedSession) Evaluate(script string, timeout time.Duration) (string, error) {
	return s.do("evaluate")
}

func (s *scriptedSession) WaitFor(selector, state string, timeout time.Duration) (string, error) {
	return s.do("wait")
}

func (s *scriptedSession) Extract(selectors []string, maxLength int, timeout time.Duration) (string, error) {
	return s.do("extract")
}

func (s *scriptedSession) Screenshot() (string, error) {
	return s.do("screenshot")
}

func (s *scriptedSession) Snapshot(maxLength int) (string, error) {
	return s.do("snapshot")
}

func (s *scriptedSession) Debug() []string { return nil }

func (s *scriptedSession) Close() error { return nil }

type fakeLeaser struct {
	session    driver.Session
	sessionErr error

	mu       sync.Mutex
	releases int
}

func (f *fakeLeaser) Session(id string) (driver.Session, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return f.session, nil
}

func (f *fakeLeaser) Release(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeLeaser) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func testJobConfig() config.JobConfig {
	return config.JobConfig{
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     time.Minute,
	}
}

func newTestExecutor(session driver.Session) (*Executor, *fakeLeaser) {
	leaser := &fakeLeaser{session: session}
	return NewExecutor(leaser, testJobConfig(), zap.NewNop()), leaser
}

func testLease() *models.Lease {
	return &models.Lease{ID: "lease-1", ProcessID: "proc-1", State: models.LeaseActive}
}

func testJob(steps ...models.Step) *models.Job {
	return &models.Job{ID: "job-1", CallerID: "caller-1", Steps: steps, SubmittedAt: time.Now()}
}

func TestRunAllStepsSucceed(t *testing.T) {
	session := newScriptedSession()
	session.outputs["navigate"] = "https://example.com/"
	session.outputs["extract"] = "hello"
	exec, leaser := newTestExecutor(session)

	job := testJob(
		models.Step{Action: "navigate", Params: map[string]string{"url": "https://example.com"}},
		models.Step{Action: "extract"},
	)

	result := exec.Run(context.Background(), testLease(), job)

	assert.Equal(t, models.JobSucceeded, result.Status)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "navigate", result.Steps[0].Action)
	assert.Equal(t, "https://example.com/", result.Steps[0].Output)
	assert.Equal(t, "extract", result.Steps[1].Action)
	assert.Equal(t, "hello", result.Steps[1].Output)
	assert.Empty(t, result.Error)
	assert.Equal(t, 1, leaser.releaseCount())
}

func TestRunStepDurationsAreIndependent(t *testing.T) {
	session := newScriptedSession()
	session.delays["navigate"] = 300 * time.Millisecond
	session.outputs["extract"] = "hello"
	exec, _ := newTestExecutor(session)

	job := testJob(
		models.Step{Action: "navigate", Params: map[string]string{"url": "https://example.com"}},
		models.Step{Action: "extract"},
	)

	result := exec.Run(context.Background(), testLease(), job)

	require.Equal(t, models.JobSucceeded, result.Status)
	require.Len(t, result.Steps, 2)
	assert.GreaterOrEqual(t, result.Steps[0].DurationMs, int64(300))
	// The second step is near-instant; its duration must not include
	// the first step's 300ms.
	assert.Less(t, result.Steps[1].DurationMs, int64(200))
}

func TestRunStepFailureAbortsRemaining(t *testing.T) {
	session := newScriptedSession()
	session.outputs["navigate"] = "https://example.com/"
	session.errs["click"] = errors.New("no clickable element")
	exec, leaser := newTestExecutor(session)

	job := testJob(
		models.Step{Action: "navigate", Params: map[string]string{"url": "https://example.com"}},
		models.Step{Action: "click"},
		models.Step{Action: "extract"},
	)

	result := exec.Run(context.Background(), testLease(), job)

	assert.Equal(t, models.JobFailed, result.Status)
	require.Len(t, result.Steps, 2)
	assert.Empty(t, result.Steps[0].Error)
	assert.Contains(t, result.Steps[1].Error, "no clickable element")
	assert.Contains(t, result.Error, "step 1 (click) failed")
	assert.NotContains(t, session.runs, "extract")
	assert.Equal(t, 1, leaser.releaseCount())
}

func TestRunJobTimeout(t *testing.T) {
	session := newScriptedSession()
	session.delays["navigate"] = 2 * time.Second
	exec, leaser := newTestExecutor(session)

	job := testJob(models.Step{Action: "navigate", Params: map[string]string{"url": "https://example.com"}})
	job.Timeout = 100 * time.Millisecond

	start := time.Now()
	result := exec.Run(context.Background(), testLease(), job)

	assert.Equal(t, models.JobTimedOut, result.Status)
	assert.Equal(t, "job timed out", result.Error)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, leaser.releaseCount())
}

func TestRunCallerCancellation(t *testing.T) {
	session := newScriptedSession()
	session.delays["navigate"] = 2 * time.Second
	exec, leaser := newTestExecutor(session)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	job := testJob(models.Step{Action: "navigate", Params: map[string]string{"url": "https://example.com"}})
	result := exec.Run(ctx, testLease(), job)

	assert.Equal(t, models.JobFailed, result.Status)
	assert.Equal(t, "job cancelled by caller", result.Error)
	assert.Equal(t, 1, leaser.releaseCount())
}

func TestRunReleasesOnPanic(t *testing.T) {
	session := newScriptedSession()
	session.panics["navigate"] = true
	exec, leaser := newTestExecutor(session)

	job := testJob(models.Step{Action: "navigate", Params: map[string]string{"url": "https://example.com"}})
	result := exec.Run(context.Background(), testLease(), job)

	assert.Equal(t, models.JobFailed, result.Status)
	assert.Contains(t, result.Error, "internal fault")
	assert.Equal(t, 1, leaser.releaseCount())
}

func TestRunUnknownAction(t *testing.T) {
	session := newScriptedSession()
	exec, leaser := newTestExecutor(session)

	job := testJob(models.Step{Action: "teleport"})
	result := exec.Run(context.Background(), testLease(), job)

	assert.Equal(t, models.JobFailed, result.Status)
	assert.Contains(t, result.Error, "unknown action")
	assert.Equal(t, 1, leaser.releaseCount())
}

func TestRunSessionUnavailable(t *testing.T) {
	leaser := &fakeLeaser{sessionErr: errors.New("lease lease-1 is not active")}
	exec := NewExecutor(leaser, testJobConfig(), zap.NewNop())

	job := testJob(models.Step{Action: "extract"})
	result := exec.Run(context.Background(), testLease(), job)

	assert.Equal(t, models.JobFailed, result.Status)
	assert.Equal(t, 1, leaser.releaseCount())
}

func TestRunValidatesStepParams(t *testing.T) {
	session := newScriptedSession()
	exec, _ := newTestExecutor(session)

	for _, step := range []models.Step{
		{Action: "navigate"},
		{Action: "fill"},
		{Action: "evaluate"},
		{Action: "wait"},
	} {
		result := exec.Run(context.Background(), testLease(), testJob(step))
		assert.Equal(t, models.JobFailed, result.Status, fmt.Sprintf("action %s", step.Action))
	}
}

func TestCandidates(t *testing.T) {
	defaults := []string{"button"}

	assert.Equal(t, defaults, candidates("", defaults))
	assert.Equal(t, []string{"#go"}, candidates("#go", defaults))
	assert.Equal(t, []string{"#a", ".b"}, candidates("#a || .b", defaults))
	assert.Equal(t, defaults, candidates(" || ", defaults))
}

func TestIntParam(t *testing.T) {
	assert.Equal(t, 0, intParam(""))
	assert.Equal(t, 0, intParam("abc"))
	assert.Equal(t, 512, intParam("512"))
}
