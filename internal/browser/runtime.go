package browser

import "context"

// Instance describes a launched browser engine.
type Instance struct {
	ContainerID string
	ConnectURL  string
}

// Runtime abstracts the browser engine lifecycle: launch, liveness
// probe, terminate. The production implementation runs Docker
// containers; tests substitute a fake.
type Runtime interface {
	Launch(ctx context.Context, processID string) (*Instance, error)
	Stop(ctx context.Context, containerID string) error
	Probe(ctx context.Context, containerID string) bool
	EnsureImage(ctx context.Context) error
	Close() error
}
