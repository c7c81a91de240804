package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
	"github.com/agentcompany/agentcompany/internal/quality"
)

// Gate retry and conversation bounds.
const (
	MaxQualityGateRetries = 3
	MaxIterations         = 30
)

// Run result statuses.
const (
	ResultCompleted     = "completed"
	ResultQualityFailed = "quality_failed"
	ResultFailed        = "failed"
)

// Assignment is one coding task handed to a worker.
type Assignment struct {
	TicketID    string
	Title       string
	Description string
	WorkerType  core.WorkerType
	Workspace   string
	Feedback    []string
	Timeout     time.Duration
	Model       string
}

// RunResult is the outcome of driving one assignment to its end.
type RunResult struct {
	Status       string
	Output       string
	Artifacts    []string
	Iterations   int
	GateFailures int
	TokensUsed   int
	Quality      *quality.Outcome
	Transcript   []core.ChatMessage
}

// GateFunc checks the workspace after each generation.
type GateFunc func(ctx context.Context, workspace string) (*quality.Outcome, error)

// Runner drives one worker conversation until the quality gate accepts
// the deliverable or the retry budget runs out.
type Runner struct {
	chat           core.ChatCompletion
	registry       *Registry
	gate           GateFunc
	logger         *logging.Logger
	maxGateRetries int
	maxIterations  int
	defaultModel   string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithGate wires the quality gate callback.
func WithGate(fn GateFunc) RunnerOption {
	return func(r *Runner) { r.gate = fn }
}

// WithRunnerLogger attaches a logger.
func WithRunnerLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxGateRetries overrides the regeneration budget.
func WithMaxGateRetries(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxGateRetries = n
		}
	}
}

// WithMaxIterations overrides the conversation turn bound.
func WithMaxIterations(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithDefaultModel sets the model used when an assignment names none.
func WithDefaultModel(model string) RunnerOption {
	return func(r *Runner) {
		if model != "" {
			r.defaultModel = model
		}
	}
}

// NewRunner creates a runner over the given completion backend.
func NewRunner(chat core.ChatCompletion, reg *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		chat:           chat,
		registry:       reg,
		logger:         logging.NewNop(),
		maxGateRetries: MaxQualityGateRetries,
		maxIterations:  MaxIterations,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one assignment. A passed gate completes the run; gate
// failures feed fix instructions back into the conversation until the
// retry budget is spent, which ends the run as quality_failed. Hitting
// the assignment timeout returns a coding-agent timeout error so the
// dispatcher counts it as one task failure.
func (r *Runner) Run(ctx context.Context, workerID string, a Assignment) (*RunResult, error) {
	if r.chat == nil {
		return nil, core.ErrUnavailable(core.CodeWorkerUnavailable, "no completion backend configured")
	}
	if a.TicketID == "" {
		return nil, core.ErrValidation(core.CodeInvalidMessage, "assignment has no ticket id")
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	model := a.Model
	if model == "" {
		model = r.defaultModel
	}

	transcript := []core.ChatMessage{
		{Role: core.RoleSystem, Content: r.systemPrompt(a.WorkerType)},
		{Role: core.RoleUser, Content: taskPrompt(a)},
	}

	res := &RunResult{Status: ResultFailed}
	for iter := 1; iter <= r.maxIterations; iter++ {
		res.Iterations = iter

		resp, err := r.chat.Complete(ctx, core.ChatRequest{Model: model, Messages: transcript})
		if err != nil {
			if timedOut(ctx, err) {
				return nil, core.ErrCodingAgentTimeout(workerID, a.TicketID, a.Timeout)
			}
			return nil, err
		}
		transcript = append(transcript, core.ChatMessage{Role: core.RoleAssistant, Content: resp.Content})
		res.TokensUsed += resp.TokensUsed
		res.Output = resp.Content
		res.Transcript = transcript

		if r.gate == nil {
			res.Status = ResultCompleted
			return res, nil
		}

		outcome, err := r.gate(ctx, a.Workspace)
		if err != nil {
			if timedOut(ctx, err) {
				return nil, core.ErrCodingAgentTimeout(workerID, a.TicketID, a.Timeout)
			}
			return nil, err
		}
		res.Quality = outcome
		if outcome.Overall {
			res.Status = ResultCompleted
			r.logger.Info("worker deliverable accepted",
				"worker", workerID, "ticket", a.TicketID, "iterations", iter)
			return res, nil
		}

		res.GateFailures++
		if res.GateFailures > r.maxGateRetries {
			res.Status = ResultQualityFailed
			r.logger.Warn("quality gate retries exhausted",
				"worker", workerID, "ticket", a.TicketID, "failures", res.GateFailures)
			return res, nil
		}

		fb := quality.BuildFeedback(outcome)
		transcript = append(transcript, core.ChatMessage{Role: core.RoleUser, Content: fb.Message()})
		r.logger.Debug("quality feedback injected",
			"worker", workerID, "ticket", a.TicketID, "failedGates", fb.FailedGates)
	}

	res.Status = ResultQualityFailed
	res.Transcript = transcript
	return res, nil
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded
}

// systemPrompt builds the persona turn for a worker type.
func (r *Runner) systemPrompt(t core.WorkerType) string {
	caps := "software engineering"
	if r.registry != nil {
		if d, ok := r.registry.Get(t); ok && len(d.Capabilities) > 0 {
			caps = strings.Join(d.Capabilities, ", ")
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s specialist of an autonomous software company.\n", t)
	fmt.Fprintf(&b, "Your capabilities: %s.\n", caps)
	b.WriteString("Work inside /workspace. Produce the complete changed files, then a short summary of what you did.")
	return b.String()
}

// taskPrompt renders the assignment as the opening user turn.
func taskPrompt(a Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n\n", a.TicketID, a.Title)
	if a.Description != "" {
		b.WriteString(a.Description)
		b.WriteString("\n")
	}
	if len(a.Feedback) > 0 {
		b.WriteString("\nFeedback from the previous review, address all of it:\n")
		for _, f := range a.Feedback {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	return b.String()
}
