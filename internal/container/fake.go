package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
)

// FakeRuntime is an in-memory Runtime for tests and for dry runs where no
// docker daemon is reachable. Failure hooks let tests script individual
// operations.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	calls      []string

	// Failure hooks. When set, the operation returns the error instead
	// of mutating state.
	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error

	// StopDelay makes Stop block, for exercising cleanup deadlines.
	StopDelay time.Duration

	// LogOutput is returned by Logs for every container.
	LogOutput string
}

type fakeContainer struct {
	spec    Spec
	state   string
	started bool
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{containers: make(map[string]*fakeContainer)}
}

var _ Runtime = (*FakeRuntime)(nil)

// Calls returns the operations issued so far, as "op name" strings.
func (f *FakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// SpecFor returns the spec a container was created with.
func (f *FakeRuntime) SpecFor(id string) (Spec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Spec{}, false
	}
	return c.spec, true
}

func (f *FakeRuntime) record(op, id string) {
	f.calls = append(f.calls, op+" "+id)
}

func (f *FakeRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", spec.Name)
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	if _, exists := f.containers[spec.Name]; exists {
		return "", core.ErrContainer(core.CodeContainerCreateFailed,
			fmt.Sprintf("container %s already exists", spec.Name))
	}
	f.containers[spec.Name] = &fakeContainer{spec: spec, state: "created"}
	return spec.Name, nil
}

func (f *FakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", id)
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[id]
	if !ok {
		return core.ErrNotFound("container", id)
	}
	c.state = "running"
	c.started = true
	return nil
}

func (f *FakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	delay := f.StopDelay
	f.record("stop", id)
	stopErr := f.StopErr
	c, ok := f.containers[id]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if stopErr != nil {
		return stopErr
	}
	if !ok {
		return core.ErrNotFound("container", id)
	}

	f.mu.Lock()
	c.state = "exited"
	f.mu.Unlock()
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove", id)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	c, ok := f.containers[id]
	if !ok {
		return core.ErrNotFound("container", id)
	}
	if c.state == "running" && !force {
		return core.ErrContainer("CONTAINER_COMMAND_FAILED",
			fmt.Sprintf("container %s is running", id))
	}
	delete(f.containers, id)
	return nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, id string) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect", id)
	c, ok := f.containers[id]
	if !ok {
		return nil, core.ErrNotFound("container", id)
	}
	return &Info{
		ID:      id,
		Name:    c.spec.Name,
		State:   c.state,
		Running: c.state == "running",
	}, nil
}

func (f *FakeRuntime) Logs(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("logs", id)
	if _, ok := f.containers[id]; !ok {
		return "", core.ErrNotFound("container", id)
	}
	return f.LogOutput, nil
}
