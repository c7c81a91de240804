package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// DockerRuntime drives a docker daemon through the docker CLI. The three
// modes share one code path: dod talks to the host socket, rootless to the
// user's socket (via DOCKER_HOST), dind to a nested daemon.
//
// Create only validates the spec and reserves the name; the container is
// materialized lazily by Start as a single `docker run -d`. This keeps the
// issued subcommand set down to the run/stop/rm/logs/inspect allowlist and
// avoids half-created daemon objects when a workflow is torn down between
// the two calls.
type DockerRuntime struct {
	mode    config.ContainerRuntimeKind
	binary  string
	host    string
	allowed func(string) bool
	logger  *logging.Logger

	mu      sync.Mutex
	pending map[string]Spec // reserved names not yet started
}

// DockerRuntimeOption configures the docker runtime.
type DockerRuntimeOption func(*DockerRuntime)

// WithDockerBinary overrides the docker binary path.
func WithDockerBinary(path string) DockerRuntimeOption {
	return func(r *DockerRuntime) {
		if path != "" {
			r.binary = path
		}
	}
}

// WithDockerHost sets DOCKER_HOST for every issued command. Rootless
// setups point this at the per-user socket.
func WithDockerHost(host string) DockerRuntimeOption {
	return func(r *DockerRuntime) { r.host = host }
}

// WithDockerLogger attaches a logger.
func WithDockerLogger(l *logging.Logger) DockerRuntimeOption {
	return func(r *DockerRuntime) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewDockerRuntime creates a docker-CLI runtime. The allowed function
// gates every issued subcommand; pass nil to allow all.
func NewDockerRuntime(mode config.ContainerRuntimeKind, allowed func(string) bool, opts ...DockerRuntimeOption) *DockerRuntime {
	r := &DockerRuntime{
		mode:    mode,
		binary:  "docker",
		allowed: allowed,
		logger:  logging.NewNop(),
		pending: make(map[string]Spec),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Runtime = (*DockerRuntime)(nil)

// Create validates the spec and reserves its name. The returned id is the
// container name; docker accepts names wherever it accepts ids.
func (r *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	if spec.Name == "" {
		return "", core.ErrContainer(core.CodeContainerCreateFailed, "container spec has no name")
	}
	if spec.Image == "" {
		return "", core.ErrContainer(core.CodeContainerCreateFailed, "container spec has no image")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[spec.Name]; exists {
		return "", core.ErrContainer(core.CodeContainerCreateFailed,
			fmt.Sprintf("container %s already created", spec.Name))
	}
	r.pending[spec.Name] = spec
	return spec.Name, nil
}

// Start materializes the reserved container with `docker run -d`.
func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	spec, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return core.ErrContainer(core.CodeContainerStartFailed,
			fmt.Sprintf("container %s was not created", id))
	}

	out, err := r.run(ctx, buildRunArgs(spec)...)
	if err != nil {
		// Put the reservation back so a retry can start it again.
		r.mu.Lock()
		r.pending[id] = spec
		r.mu.Unlock()
		return err
	}
	r.logger.Debug("container started", "name", id, "container_id", strings.TrimSpace(out))
	return nil
}

// Stop stops a running container, giving it timeout to exit cleanly.
func (r *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	_, err := r.run(ctx, "stop", "-t", strconv.Itoa(secs), id)
	return err
}

// Remove deletes the container. A name that was only reserved is simply
// forgotten.
func (r *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	r.mu.Lock()
	if _, reserved := r.pending[id]; reserved {
		delete(r.pending, id)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	_, err := r.run(ctx, args...)
	return err
}

// Inspect reports the daemon's view of the container. A reserved name
// that has not started yet reports the created state.
func (r *DockerRuntime) Inspect(ctx context.Context, id string) (*Info, error) {
	r.mu.Lock()
	if _, reserved := r.pending[id]; reserved {
		r.mu.Unlock()
		return &Info{ID: id, Name: id, State: "created"}, nil
	}
	r.mu.Unlock()

	out, err := r.run(ctx, "inspect", id)
	if err != nil {
		return nil, err
	}
	return parseInspect(id, []byte(out))
}

// Logs fetches the container's combined output.
func (r *DockerRuntime) Logs(ctx context.Context, id string) (string, error) {
	return r.run(ctx, "logs", id)
}

// run executes one docker subcommand against the allowlist.
func (r *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	sub := args[0]
	if r.allowed != nil && !r.allowed(sub) {
		return "", core.ErrContainer(core.CodeDockerCommandDenied,
			fmt.Sprintf("docker %s is not in the allowed command list", sub))
	}

	// #nosec G204 -- the binary is operator configuration and args are built internally
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Env = os.Environ()
	if r.host != "" {
		cmd.Env = append(cmd.Env, "DOCKER_HOST="+r.host)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		r.logger.Error("docker command timeout", "subcommand", sub, "duration", duration)
		return stdout.String(), core.ErrTimeout(fmt.Sprintf("docker %s timed out", sub))
	}
	if err != nil {
		preview := strings.TrimSpace(stderr.String())
		if len(preview) > 500 {
			preview = preview[:500] + "... [truncated]"
		}
		r.logger.Error("docker command failed",
			"subcommand", sub,
			"duration", duration,
			"stderr", preview,
		)
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.String(), core.ErrContainer(codeForSubcommand(sub),
				fmt.Sprintf("docker %s exited %d: %s", sub, exitErr.ExitCode(), preview))
		}
		return stdout.String(), core.ErrContainer(codeForSubcommand(sub),
			fmt.Sprintf("docker %s: %v", sub, err))
	}

	r.logger.Debug("docker command completed", "subcommand", sub, "duration", duration)
	return stdout.String(), nil
}

func codeForSubcommand(sub string) string {
	switch sub {
	case "run":
		return core.CodeContainerStartFailed
	case "create":
		return core.CodeContainerCreateFailed
	default:
		return "CONTAINER_COMMAND_FAILED"
	}
}

// buildRunArgs translates a Spec into `docker run -d` arguments. Flag
// order is deterministic so logs and tests are stable.
func buildRunArgs(spec Spec) []string {
	args := []string{"run", "-d", "--name", spec.Name}

	if spec.NetworkMode != "" {
		args = append(args, "--network", spec.NetworkMode)
	}
	for _, bind := range spec.Binds {
		mount := bind.Source + ":" + bind.Target
		if bind.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUs != "" {
		args = append(args, "--cpus", spec.CPUs)
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(spec.PidsLimit))
	}
	for _, opt := range spec.SecurityOpt {
		args = append(args, "--security-opt", opt)
	}
	for _, c := range spec.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}

	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	labelKeys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)
	for _, k := range labelKeys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)
	return args
}

// dockerInspect is the slice element shape `docker inspect` prints.
type dockerInspect struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
}

func parseInspect(id string, out []byte) (*Info, error) {
	var entries []dockerInspect
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, core.ErrContainer("CONTAINER_INSPECT_FAILED",
			fmt.Sprintf("parsing inspect output for %s", id)).WithCause(err)
	}
	if len(entries) == 0 {
		return nil, core.ErrNotFound("container", id)
	}
	e := entries[0]
	return &Info{
		ID:       e.ID,
		Name:     strings.TrimPrefix(e.Name, "/"),
		State:    e.State.Status,
		ExitCode: e.State.ExitCode,
		Running:  e.State.Running,
	}, nil
}
