package models

import "time"

// LeaseState represents the current state of a context lease.
type LeaseState string

const (
	LeaseActive   LeaseState = "ACTIVE"
	LeaseReleased LeaseState = "RELEASED"
	LeaseExpired  LeaseState = "EXPIRED"
	LeaseCrashed  LeaseState = "CRASHED"
)

// Terminal reports whether the state is final. A lease in a terminal
// state never transitions again.
func (s LeaseState) Terminal() bool {
	return s != LeaseActive
}

// Lease is a time-bounded grant of exclusive use over one isolated
// browsing context. At most one active lease exists per context.
type Lease struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"callerId"`
	ProcessID  string     `json:"processId"`
	ConnectURL string     `json:"-"`
	State      LeaseState `json:"state"`
	AcquiredAt time.Time  `json:"acquiredAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
}
