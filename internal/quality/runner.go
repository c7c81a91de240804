package quality

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
)

// CommandOutput captures one finished subprocess.
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CommandRunner abstracts subprocess execution so gate logic can be
// tested without shelling out.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, args ...string) (*CommandOutput, error)
}

// execRunner shells out to the configured command inside the workspace.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, dir, command string, args ...string) (*CommandOutput, error) {
	if command == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "quality check command is empty")
	}

	// #nosec G204 -- command and args come from the operator's gate config
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := &CommandOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, core.ErrTimeout("quality check timed out").
			WithDetail("command", command).
			WithCause(ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a check failure, not an infrastructure error.
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, core.ErrQuality(core.CodeQualityGateFailed, "quality check could not start").
			WithDetail("command", command).
			WithCause(err)
	}
	return out, nil
}
