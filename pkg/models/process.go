package models

import "time"

// ProcessState represents the lifecycle state of a browser process.
type ProcessState string

const (
	ProcessStarting ProcessState = "STARTING"
	ProcessReady    ProcessState = "READY"
	ProcessDegraded ProcessState = "DEGRADED"
	ProcessDead     ProcessState = "DEAD"
)

// BrowserProcess is a long-lived browser engine owned by the pool.
// All mutable fields are guarded by the pool's lock; nothing outside
// the pool mutates a process record.
type BrowserProcess struct {
	ID             string       `json:"id"`
	ContainerID    string       `json:"-"`
	ConnectURL     string       `json:"connectUrl"`
	State          ProcessState `json:"state"`
	LaunchedAt     time.Time    `json:"launchedAt"`
	LeasedContexts int          `json:"leasedContexts"`
	ServedContexts int          `json:"servedContexts"`
	FailedProbes   int          `json:"-"`
}

// PoolStatus is a point-in-time snapshot of the pool, returned by the
// status endpoint.
type PoolStatus struct {
	Processes      []*BrowserProcess `json:"processes"`
	MaxProcesses   int               `json:"maxProcesses"`
	LeasedContexts int               `json:"leasedContexts"`
	Capacity       int               `json:"capacity"`
}
