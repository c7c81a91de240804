// Package cli adapts external AI command-line tools to the engine's
// chat-completion port. Each supported tool is invoked per request with
// the prompt on stdin or as a positional argument; stdout is the reply.
package cli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// DefaultTimeout bounds a single completion when the caller's context
// carries no deadline.
const DefaultTimeout = 10 * time.Minute

// Adapter shells out to an AI CLI for each chat completion.
type Adapter struct {
	name    string
	path    string
	model   string
	timeout time.Duration
	logger  *logging.Logger

	// buildArgs shapes the invocation for the concrete tool.
	buildArgs func(model, prompt string) []string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithPath overrides the binary path (defaults to the adapter name).
func WithPath(path string) Option {
	return func(a *Adapter) {
		if path != "" {
			a.path = path
		}
	}
}

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New builds an adapter for the named tool. Known tools get their
// native non-interactive flags; anything else is invoked as
// `<path> <prompt>` so operators can plug in wrapper scripts.
func New(name, model string, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		path:    name,
		model:   model,
		timeout: DefaultTimeout,
		logger:  logging.NewNop(),
	}

	switch name {
	case "claude":
		a.buildArgs = func(model, prompt string) []string {
			args := []string{"-p", "--output-format", "text"}
			if model != "" {
				args = append(args, "--model", model)
			}
			return append(args, prompt)
		}
	case "gemini":
		a.buildArgs = func(model, prompt string) []string {
			args := []string{}
			if model != "" {
				args = append(args, "-m", model)
			}
			return append(args, "-p", prompt)
		}
	case "codex":
		a.buildArgs = func(model, prompt string) []string {
			args := []string{"exec"}
			if model != "" {
				args = append(args, "--model", model)
			}
			return append(args, prompt)
		}
	default:
		a.buildArgs = func(model, prompt string) []string {
			args := []string{}
			if model != "" {
				args = append(args, "--model", model)
			}
			return append(args, prompt)
		}
	}

	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.name }

// Ping checks that the tool is on PATH.
func (a *Adapter) Ping() error {
	if _, err := exec.LookPath(a.path); err != nil {
		return core.ErrUnavailable(core.CodeWorkerUnavailable,
			fmt.Sprintf("AI adapter binary %q not found", a.path)).WithCause(err)
	}
	return nil
}

var _ core.ChatCompletion = (*Adapter)(nil)

// Complete runs one prompt through the tool and returns stdout as the
// reply. The request's messages are flattened into a single prompt,
// system message first.
func (a *Adapter) Complete(ctx context.Context, req core.ChatRequest) (*core.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	prompt := flattenMessages(req.Messages)
	if strings.TrimSpace(prompt) == "" {
		return nil, core.ErrValidation(core.CodeInvalidMessage, "chat request has no content")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	args := a.buildArgs(model, prompt)
	cmd := exec.CommandContext(ctx, a.path, args...) // #nosec G204 -- operator-configured adapter binary
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	a.logger.Debug("adapter invocation finished",
		"adapter", a.name, "model", model, "duration", time.Since(start), "error", err)

	if err != nil {
		if ctx.Err() != nil {
			return nil, core.ErrTimeout(
				fmt.Sprintf("%s invocation exceeded its deadline", a.name)).WithCause(ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, core.ErrExecution(core.CodeTaskFailed,
			fmt.Sprintf("%s invocation failed: %s", a.name, truncate(detail, 500))).WithCause(err)
	}

	content := strings.TrimSpace(stdout.String())
	return &core.ChatResponse{
		Content:    content,
		TokensUsed: estimateTokens(prompt) + estimateTokens(content),
	}, nil
}

// flattenMessages folds a message history into one prompt. The tools
// here are single-shot, so history travels inline.
func flattenMessages(msgs []core.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case core.RoleSystem:
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case core.RoleAssistant:
			b.WriteString("Previous reply:\n")
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		default:
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// estimateTokens approximates usage for tools that report none.
func estimateTokens(s string) int {
	return len(s) / 4
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
