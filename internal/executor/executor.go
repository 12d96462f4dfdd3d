// Package executor runs automation jobs against leased browsing
// contexts. Whatever happens during a run, the lease is released
// exactly once on exit.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/internal/driver"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// leaser is the slice of the lease manager the executor needs.
type leaser interface {
	Session(id string) (driver.Session, error)
	Release(id string) error
}

// Executor drives job steps sequentially against a leased context.
type Executor struct {
	leases leaser
	cfg    config.JobConfig
	logger *zap.Logger
}

// NewExecutor creates a job executor.
func NewExecutor(leases leaser, cfg config.JobConfig, logger *zap.Logger) *Executor {
	return &Executor{
		leases: leases,
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes the job's steps against the leased context and returns
// a terminal result: SUCCEEDED with the full ordered output, FAILED
// with partial progress plus the failing step's error, or TIMED_OUT.
// The lease is released on every exit path, including panics; tearing
// down the browsing context is also what aborts an in-flight step.
func (e *Executor) Run(ctx context.Context, lease *models.Lease, job *models.Job) (result *models.JobResult) {
	result = &models.JobResult{
		JobID:     job.ID,
		LeaseID:   lease.ID,
		Status:    models.JobSubmitted,
		StartedAt: time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job panicked",
				zap.String("jobId", job.ID), zap.Any("panic", r))
			result.Status = models.JobFailed
			result.Error = fmt.Sprintf("internal fault: %v", r)
		}
		result.FinishedAt = time.Now()
		if err := e.leases.Release(lease.ID); err != nil {
			e.logger.Warn("failed to release lease after job",
				zap.String("leaseId", lease.ID), zap.Error(err))
		}
	}()

	session, err := e.leases.Session(lease.ID)
	if err != nil {
		result.Status = models.JobFailed
		result.Error = err.Error()
		return result
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := jobCtx.Deadline()

	result.Status = models.JobRunning

	for i, step := range job.Steps {
		if jobCtx.Err() != nil {
			e.finishEarly(result, jobCtx, ctx)
			return result
		}

		budget := time.Until(deadline)
		stepStart := time.Now()
		output, stepErr := e.runStep(jobCtx, session, step, budget)
		result.Debug = append(result.Debug, session.Debug()...)

		sr := models.StepResult{
			Index:      i,
			Action:     step.Action,
			Output:     output,
			DurationMs: time.Since(stepStart).Milliseconds(),
		}

		if stepErr != nil {
			if jobCtx.Err() != nil {
				e.finishEarly(result, jobCtx, ctx)
				return result
			}
			sr.Error = stepErr.Error()
			result.Steps = append(result.Steps, sr)
			result.Status = models.JobFailed
			result.Error = fmt.Sprintf("step %d (%s) failed: %v", i, step.Action, stepErr)
			return result
		}

		result.Steps = append(result.Steps, sr)
	}

	result.Status = models.JobSucceeded
	return result
}

// runStep executes one step in its own goroutine so the job deadline
// and caller cancellation interrupt a stuck step. The abandoned
// goroutine unblocks when the lease release destroys the context.
func (e *Executor) runStep(ctx context.Context, session driver.Session, step models.Step, budget time.Duration) (string, error) {
	type outcome struct {
		output string
		err    error
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("internal fault: %v", r)}
			}
		}()
		output, err := runStep(session, step, budget)
		done <- outcome{output: output, err: err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// finishEarly distinguishes the job deadline from caller-initiated
// cancellation; both guarantee release, only the former is TIMED_OUT.
func (e *Executor) finishEarly(result *models.JobResult, jobCtx, callerCtx context.Context) {
	if callerCtx.Err() != nil {
		result.Status = models.JobFailed
		result.Error = "job cancelled by caller"
		return
	}
	result.Status = models.JobTimedOut
	result.Error = "job timed out"
}
