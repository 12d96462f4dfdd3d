package models

import "time"

// JobStatus represents the state machine of a job:
// SUBMITTED -> RUNNING -> {SUCCEEDED, FAILED, TIMED_OUT}.
type JobStatus string

const (
	JobSubmitted JobStatus = "SUBMITTED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobTimedOut  JobStatus = "TIMED_OUT"
)

// Step is one automation instruction. The core treats the payload as an
// opaque action envelope; only the executor's driver interprets it.
type Step struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

// Job is a unit of automation work submitted against a lease.
type Job struct {
	ID          string        `json:"id"`
	CallerID    string        `json:"callerId"`
	Steps       []Step        `json:"steps"`
	Timeout     time.Duration `json:"-"`
	SubmittedAt time.Time     `json:"submittedAt"`
}

// StepResult captures the outcome of a single executed step.
type StepResult struct {
	Index      int    `json:"index"`
	Action     string `json:"action"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// JobResult is what callers receive: terminal status, per-step outputs
// up to and including the first failure, and a debug trail of what the
// driver attempted.
type JobResult struct {
	JobID      string       `json:"jobId"`
	LeaseID    string       `json:"leaseId"`
	Status     JobStatus    `json:"status"`
	Steps      []StepResult `json:"steps"`
	Error      string       `json:"error,omitempty"`
	Debug      []string     `json:"debug,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// SubmitJobRequest is the gateway payload for submitting a job.
type SubmitJobRequest struct {
	CallerID     string `json:"callerId"`
	Steps        []Step `json:"steps"`
	LeaseTimeout int    `json:"leaseTimeout,omitempty"` // seconds
	JobTimeout   int    `json:"jobTimeout,omitempty"`   // seconds
}
