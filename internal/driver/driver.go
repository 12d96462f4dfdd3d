// Package driver is the remote-automation control channel: it attaches
// to a pooled browser process and exposes the operations the job
// executor drives against an isolated browsing context.
package driver

import "time"

// Driver opens isolated browsing sessions against browser processes.
type Driver interface {
	// Open attaches to the process at connectURL and creates a fresh
	// browsing context (separate cookies, storage, cache) with a
	// single page. One session maps to exactly one lease.
	Open(connectURL string) (Session, error)
	Close() error
}

// Session is an exclusive handle on one isolated browsing context.
// Every operation takes the remaining time budget; an operation that
// cannot complete within it returns an error. Closing the session
// aborts any in-flight operation and destroys the context.
type Session interface {
	Navigate(url, waitUntil string, timeout time.Duration) (string, error)
	Fill(selectors []string, value string, timeout time.Duration) (string, error)
	Click(selectors []string, timeout time.Duration) (string, error)
	Evaluate(script string, timeout time.Duration) (string, error)
	WaitFor(selector, state string, timeout time.Duration) (string, error)
	Extract(selectors []string, maxLength int, timeout time.Duration) (string, error)
	Screenshot() (string, error)
	Snapshot(maxLength int) (string, error)

	// Debug drains the accumulated trail of what the session attempted
	// (selector fallbacks, skipped candidates, extraction sources).
	Debug() []string

	Close() error
}
