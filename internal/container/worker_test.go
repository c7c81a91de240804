package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
)

func testCreateOptions() CreateOptions {
	return CreateOptions{
		Image:       "agentcompany/worker:latest",
		Cmd:         []string{"sleep", "infinity"},
		Workspace:   "/tmp/ws/worker-1",
		ResultsDir:  "/tmp/runs/run-20250601-090000-abc12",
		MemoryLimit: "4g",
		CPULimit:    "2",
	}
}

func TestContainerName_Bijective(t *testing.T) {
	name := ContainerName("acw", "worker-1")
	if name != "acw-worker-1" {
		t.Errorf("name = %q", name)
	}
	workerID, ok := WorkerIDFromName("acw", name)
	if !ok || workerID != "worker-1" {
		t.Errorf("WorkerIDFromName(%q) = %q, %v", name, workerID, ok)
	}
	if _, ok := WorkerIDFromName("acw", "other-worker-1"); ok {
		t.Error("foreign name must not reverse")
	}
	if _, ok := WorkerIDFromName("acw", "acw-"); ok {
		t.Error("empty worker id must not reverse")
	}
}

func TestWorkerContainer_Lifecycle(t *testing.T) {
	rt := NewFakeRuntime()
	w := NewWorkerContainer("worker-1", rt)
	ctx := context.Background()

	if w.State() != StateNone {
		t.Fatalf("initial state = %s", w.State())
	}
	if err := w.Create(ctx, testCreateOptions()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if w.State() != StateCreated {
		t.Fatalf("state after create = %s", w.State())
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if w.State() != StateRunning {
		t.Fatalf("state after start = %s", w.State())
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if w.State() != StateStopped {
		t.Fatalf("state after stop = %s", w.State())
	}
	if err := w.Destroy(ctx, false); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if w.State() != StateDestroyed {
		t.Fatalf("state after destroy = %s", w.State())
	}
}

func TestWorkerContainer_IsolationDefaults(t *testing.T) {
	rt := NewFakeRuntime()
	w := NewWorkerContainer("worker-1", rt)

	if err := w.Create(context.Background(), testCreateOptions()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	spec, ok := rt.SpecFor("acw-worker-1")
	if !ok {
		t.Fatal("container not registered with runtime")
	}

	if spec.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none", spec.NetworkMode)
	}
	if spec.PidsLimit != DefaultPidsLimit {
		t.Errorf("PidsLimit = %d, want %d", spec.PidsLimit, DefaultPidsLimit)
	}
	if len(spec.SecurityOpt) != 1 || spec.SecurityOpt[0] != "no-new-privileges" {
		t.Errorf("SecurityOpt = %v", spec.SecurityOpt)
	}
	if len(spec.CapDrop) != 1 || spec.CapDrop[0] != "ALL" {
		t.Errorf("CapDrop = %v", spec.CapDrop)
	}

	var workspace, results *Bind
	for i := range spec.Binds {
		switch spec.Binds[i].Target {
		case "/workspace":
			workspace = &spec.Binds[i]
		case "/results":
			results = &spec.Binds[i]
		}
	}
	if workspace == nil || workspace.ReadOnly {
		t.Errorf("workspace bind = %+v, want read-write mount", workspace)
	}
	if results == nil || !results.ReadOnly {
		t.Errorf("results bind = %+v, want read-only mount", results)
	}
	if spec.Memory != "4g" || spec.CPUs != "2" {
		t.Errorf("limits = %q/%q", spec.Memory, spec.CPUs)
	}
}

func TestWorkerContainer_BadTransitions(t *testing.T) {
	rt := NewFakeRuntime()
	w := NewWorkerContainer("worker-1", rt)
	ctx := context.Background()

	assertBadTransition := func(err error) {
		t.Helper()
		var derr *core.DomainError
		if !errors.As(err, &derr) || derr.Code != core.CodeContainerBadTransition {
			t.Errorf("error = %v, want code %s", err, core.CodeContainerBadTransition)
		}
	}

	assertBadTransition(w.Start(ctx))          // none -> running
	assertBadTransition(w.Stop(ctx))           // none -> stopped
	if _, err := w.Logs(ctx); err == nil {
		t.Error("expected logs error before create")
	}

	if err := w.Create(ctx, testCreateOptions()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	assertBadTransition(w.Create(ctx, testCreateOptions())) // created -> created
	assertBadTransition(w.Stop(ctx))                        // created -> stopped
}

func TestWorkerContainer_DestroyIdempotent(t *testing.T) {
	rt := NewFakeRuntime()
	w := NewWorkerContainer("worker-1", rt)
	ctx := context.Background()

	// Destroying a never-created container is a no-op.
	if err := w.Destroy(ctx, false); err != nil {
		t.Fatalf("Destroy(none) error = %v", err)
	}

	if err := w.Create(ctx, testCreateOptions()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := w.Destroy(ctx, false); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if err := w.Destroy(ctx, false); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}
	if w.State() != StateDestroyed {
		t.Errorf("state = %s", w.State())
	}
}

func TestWorkerContainer_DestroyForceOnStopFailure(t *testing.T) {
	rt := NewFakeRuntime()
	rt.StopErr = errors.New("daemon hiccup")
	w := NewWorkerContainer("worker-1", rt)
	ctx := context.Background()

	if err := w.Create(ctx, testCreateOptions()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Without force the stop failure surfaces and the container stays up.
	if err := w.Destroy(ctx, false); err == nil {
		t.Fatal("expected destroy error when stop fails")
	}
	if w.State() != StateRunning {
		t.Errorf("state = %s, want running after failed destroy", w.State())
	}

	// With force the removal proceeds anyway.
	if err := w.Destroy(ctx, true); err != nil {
		t.Fatalf("Destroy(force) error = %v", err)
	}
	if w.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", w.State())
	}
}

func TestWorkerContainer_DestroyTimeout(t *testing.T) {
	rt := NewFakeRuntime()
	rt.StopDelay = 200 * time.Millisecond
	w := NewWorkerContainer("worker-1", rt, WithWorkerCleanupTimeout(20*time.Millisecond))
	ctx := context.Background()

	if err := w.Create(ctx, testCreateOptions()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := w.Destroy(ctx, false)
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Code != core.CodeContainerDestroyTimeout {
		t.Errorf("error = %v, want code %s", err, core.CodeContainerDestroyTimeout)
	}
}

func TestWorkerContainer_RecreateAfterDestroy(t *testing.T) {
	rt := NewFakeRuntime()
	w := NewWorkerContainer("worker-1", rt)
	ctx := context.Background()

	if err := w.Create(ctx, testCreateOptions()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Destroy(ctx, false); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	// Same worker id, fresh container.
	if err := w.Create(ctx, testCreateOptions()); err != nil {
		t.Fatalf("re-Create() error = %v", err)
	}
	if w.State() != StateCreated {
		t.Errorf("state = %s, want created", w.State())
	}
}

func TestWorkerContainer_Logs(t *testing.T) {
	rt := NewFakeRuntime()
	rt.LogOutput = "hello from worker"
	w := NewWorkerContainer("worker-1", rt)
	ctx := context.Background()

	if err := w.Create(ctx, testCreateOptions()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	out, err := w.Logs(ctx)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if out != "hello from worker" {
		t.Errorf("logs = %q", out)
	}
}
