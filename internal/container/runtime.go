// Package container isolates worker execution. Runtime is the engine
// capability (create/start/stop/remove/inspect/logs); WorkerContainer is
// the lifecycle wrapper that enforces the isolation defaults every worker
// gets regardless of back-end.
package container

import (
	"context"
	"time"
)

// Bind mounts a host path into a container.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes one container to create.
type Spec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         map[string]string
	WorkDir     string
	NetworkMode string
	Binds       []Bind
	Memory      string // docker memory syntax, e.g. "4g"
	CPUs        string // fractional cpus, e.g. "2"
	PidsLimit   int
	SecurityOpt []string
	CapDrop     []string
	Labels      map[string]string
}

// Info is the runtime's view of one container.
type Info struct {
	ID       string
	Name     string
	State    string // created, running, exited, dead
	ExitCode int
	Running  bool
}

// Runtime is the container engine capability. Implementations return ids
// that all later calls accept; the docker runtime uses the container name
// so ids stay stable across daemon restarts.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (*Info, error)
	Logs(ctx context.Context, id string) (string, error)
}
