// Package quality runs the two-stage gate every piece of worker output
// passes before review: lint first, then tests. A lint failure short
// circuits the tests; the overall verdict is the conjunction of both.
package quality

import (
	"context"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// Outcome is the result of one gate run.
type Outcome struct {
	Lint    *core.QualityCheckResult `json:"lint"`
	Test    *core.QualityCheckResult `json:"test"`
	Overall bool                     `json:"overall"`
}

// Gate executes the lint and test commands of a workspace.
type Gate struct {
	runner       CommandRunner
	clock        core.Clock
	logger       *logging.Logger
	checkTimeout time.Duration
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithCommandRunner injects the subprocess runner.
func WithCommandRunner(r CommandRunner) GateOption {
	return func(g *Gate) {
		if r != nil {
			g.runner = r
		}
	}
}

// WithGateClock injects the timestamp source.
func WithGateClock(c core.Clock) GateOption {
	return func(g *Gate) { g.clock = c }
}

// WithGateLogger attaches a logger.
func WithGateLogger(l *logging.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithCheckTimeout bounds each individual check.
func WithCheckTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.checkTimeout = d
		}
	}
}

// DefaultCheckTimeout bounds a single lint or test run.
const DefaultCheckTimeout = 5 * time.Minute

// NewGate creates a quality gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		runner:       &execRunner{},
		clock:        core.SystemClock(),
		logger:       logging.NewNop(),
		checkTimeout: DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes the workspace's gate configuration: lint, then tests.
// When lint fails the tests are skipped and recorded with output
// "skipped". The returned error covers infrastructure problems only;
// check failures are reported through the Outcome.
func (g *Gate) Run(ctx context.Context, workspace string) (*Outcome, error) {
	cfg, err := LoadProjectConfig(workspace)
	if err != nil {
		return nil, err
	}
	return g.RunWithConfig(ctx, workspace, cfg)
}

// RunWithConfig executes an explicit gate configuration.
func (g *Gate) RunWithConfig(ctx context.Context, workspace string, cfg *ProjectConfig) (*Outcome, error) {
	out := &Outcome{}

	lint, err := g.check(ctx, workspace, cfg.Lint)
	if err != nil {
		return nil, err
	}
	out.Lint = lint
	if !lint.Passed {
		g.logger.Info("lint failed, skipping tests", "workspace", workspace)
		out.Test = core.SkippedCheck(g.clock.Now())
		out.Overall = false
		return out, nil
	}

	test, err := g.check(ctx, workspace, cfg.Test)
	if err != nil {
		return nil, err
	}
	out.Test = test
	out.Overall = lint.Passed && test.Passed
	return out, nil
}

// check runs one configured command and folds its output into a result.
func (g *Gate) check(ctx context.Context, workspace string, cc CheckConfig) (*core.QualityCheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.checkTimeout)
	defer cancel()

	g.logger.Debug("running quality check", "command", cc.Command, "args", cc.Args, "workspace", workspace)
	cmdOut, err := g.runner.Run(ctx, workspace, cc.Command, cc.Args...)
	if err != nil {
		return nil, err
	}

	res := &core.QualityCheckResult{
		Passed:     cmdOut.ExitCode == 0,
		Output:     combineOutput(cmdOut),
		DurationMs: cmdOut.Duration.Milliseconds(),
		FinishedAt: g.clock.Now(),
	}
	if !res.Passed {
		res.Errors = headLines(cmdOut.Stderr, 10)
		if len(res.Errors) == 0 {
			res.Errors = headLines(cmdOut.Stdout, 10)
		}
	}
	return res, nil
}

func combineOutput(out *CommandOutput) string {
	switch {
	case out.Stdout != "" && out.Stderr != "":
		return out.Stdout + "\n" + out.Stderr
	case out.Stderr != "":
		return out.Stderr
	default:
		return out.Stdout
	}
}

// headLines returns up to n non-empty lines of s.
func headLines(s string, n int) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}
