package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// State of a WorkerContainer.
type State string

const (
	StateNone      State = "none"
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateDestroyed State = "destroyed"
)

const (
	// DefaultNamePrefix is prepended to worker ids to form container names.
	DefaultNamePrefix = "acw"

	// DefaultCleanupTimeout bounds how long Destroy may take.
	DefaultCleanupTimeout = 60 * time.Second

	// DefaultPidsLimit caps processes inside a worker container.
	DefaultPidsLimit = 256

	// defaultStopTimeout is the grace period before the runtime kills the
	// container process.
	defaultStopTimeout = 10 * time.Second
)

// ContainerName returns the deterministic container name for a worker.
func ContainerName(prefix, workerID string) string {
	return prefix + "-" + workerID
}

// WorkerIDFromName reverses ContainerName.
func WorkerIDFromName(prefix, name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// CreateOptions carries the per-worker inputs to Create. Isolation flags
// are not caller-controllable: every worker runs without network, with its
// own /workspace, the run directory read-only at /results, no new
// privileges, all capabilities dropped and a PID limit.
type CreateOptions struct {
	Image       string
	Cmd         []string
	Env         map[string]string
	Workspace   string // host directory mounted read-write at /workspace
	ResultsDir  string // host run directory mounted read-only at /results
	MemoryLimit string
	CPULimit    string
}

// WorkerContainer wraps one worker's container lifecycle:
// none -> created -> running -> stopped -> destroyed. Destroy is
// idempotent and bounded by the cleanup timeout; after Destroy the same
// worker id can be created afresh.
type WorkerContainer struct {
	workerID       string
	prefix         string
	runtime        Runtime
	logger         *logging.Logger
	cleanupTimeout time.Duration

	mu    sync.Mutex
	state State
	id    string
}

// WorkerContainerOption configures a WorkerContainer.
type WorkerContainerOption func(*WorkerContainer)

// WithWorkerNamePrefix overrides the container name prefix.
func WithWorkerNamePrefix(prefix string) WorkerContainerOption {
	return func(w *WorkerContainer) {
		if prefix != "" {
			w.prefix = prefix
		}
	}
}

// WithWorkerCleanupTimeout overrides the Destroy deadline.
func WithWorkerCleanupTimeout(d time.Duration) WorkerContainerOption {
	return func(w *WorkerContainer) {
		if d > 0 {
			w.cleanupTimeout = d
		}
	}
}

// WithWorkerContainerLogger attaches a logger.
func WithWorkerContainerLogger(l *logging.Logger) WorkerContainerOption {
	return func(w *WorkerContainer) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorkerContainer wraps the runtime for one worker id.
func NewWorkerContainer(workerID string, rt Runtime, opts ...WorkerContainerOption) *WorkerContainer {
	w := &WorkerContainer{
		workerID:       workerID,
		prefix:         DefaultNamePrefix,
		runtime:        rt,
		logger:         logging.NewNop(),
		cleanupTimeout: DefaultCleanupTimeout,
		state:          StateNone,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WorkerID returns the owning worker's id.
func (w *WorkerContainer) WorkerID() string { return w.workerID }

// Name returns the deterministic container name.
func (w *WorkerContainer) Name() string { return ContainerName(w.prefix, w.workerID) }

// State returns the current lifecycle state.
func (w *WorkerContainer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Create builds the hardened spec and registers the container with the
// runtime. Valid from none and from destroyed (clean re-create).
func (w *WorkerContainer) Create(ctx context.Context, opts CreateOptions) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.workerID == "" {
		return core.ErrContainer(core.CodeContainerCreateFailed, "worker id is empty")
	}
	if w.state != StateNone && w.state != StateDestroyed {
		return w.badTransition("create")
	}

	spec := Spec{
		Name:        w.Name(),
		Image:       opts.Image,
		Cmd:         opts.Cmd,
		Env:         opts.Env,
		WorkDir:     "/workspace",
		NetworkMode: "none",
		Memory:      opts.MemoryLimit,
		CPUs:        opts.CPULimit,
		PidsLimit:   DefaultPidsLimit,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Labels:      map[string]string{"agentcompany.worker": w.workerID},
	}
	if opts.Workspace != "" {
		spec.Binds = append(spec.Binds, Bind{Source: opts.Workspace, Target: "/workspace"})
	}
	if opts.ResultsDir != "" {
		spec.Binds = append(spec.Binds, Bind{Source: opts.ResultsDir, Target: "/results", ReadOnly: true})
	}

	id, err := w.runtime.Create(ctx, spec)
	if err != nil {
		return err
	}
	w.id = id
	w.state = StateCreated
	w.logger.Debug("worker container created", "worker", w.workerID, "container", w.id)
	return nil
}

// Start runs the created container.
func (w *WorkerContainer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCreated {
		return w.badTransition("start")
	}
	if err := w.runtime.Start(ctx, w.id); err != nil {
		return err
	}
	w.state = StateRunning
	return nil
}

// Stop halts the running container. Stopping an already stopped container
// is a no-op.
func (w *WorkerContainer) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateStopped:
		return nil
	case StateRunning:
	default:
		return w.badTransition("stop")
	}
	if err := w.runtime.Stop(ctx, w.id, defaultStopTimeout); err != nil {
		return err
	}
	w.state = StateStopped
	return nil
}

// Destroy tears the container down within the cleanup timeout. It is
// idempotent: destroying an already destroyed (or never created)
// container returns nil. With force, removal proceeds even when the stop
// fails.
func (w *WorkerContainer) Destroy(ctx context.Context, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateNone, StateDestroyed:
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, w.cleanupTimeout)
	defer cancel()

	if w.state == StateRunning {
		if err := w.runtime.Stop(dctx, w.id, defaultStopTimeout); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return core.ErrContainer(core.CodeContainerDestroyTimeout,
					fmt.Sprintf("container %s did not stop within %s", w.id, w.cleanupTimeout))
			}
			if !force {
				return err
			}
			w.logger.Warn("stop failed, forcing removal", "worker", w.workerID, "error", err)
		}
	}

	if err := w.runtime.Remove(dctx, w.id, force); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return core.ErrContainer(core.CodeContainerDestroyTimeout,
				fmt.Sprintf("container %s removal exceeded %s", w.id, w.cleanupTimeout))
		}
		return err
	}

	w.state = StateDestroyed
	w.logger.Debug("worker container destroyed", "worker", w.workerID, "container", w.id)
	return nil
}

// Logs fetches the container's output. Valid once created and until
// destroyed.
func (w *WorkerContainer) Logs(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateNone || w.state == StateDestroyed {
		return "", w.badTransition("logs")
	}
	return w.runtime.Logs(ctx, w.id)
}

func (w *WorkerContainer) badTransition(op string) error {
	return core.ErrContainer(core.CodeContainerBadTransition,
		fmt.Sprintf("cannot %s container %s in state %s", op, w.Name(), w.state))
}
