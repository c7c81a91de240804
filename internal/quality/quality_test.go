package quality

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

// scriptedRunner returns canned outputs per command and records calls.
type scriptedRunner struct {
	outputs map[string]*CommandOutput
	errs    map[string]error
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, _ string, command string, args ...string) (*CommandOutput, error) {
	key := strings.Join(append([]string{command}, args...), " ")
	r.calls = append(r.calls, key)
	if err, ok := r.errs[key]; ok {
		return nil, err
	}
	if out, ok := r.outputs[key]; ok {
		return out, nil
	}
	return &CommandOutput{}, nil
}

func newTestGate(r CommandRunner, now time.Time) *Gate {
	return NewGate(
		WithCommandRunner(r),
		WithGateClock(fixedClock{at: now}),
	)
}

func TestGate_RunAllPass(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	runner := &scriptedRunner{outputs: map[string]*CommandOutput{
		"make lint": {Stdout: "lint clean", Duration: 120 * time.Millisecond},
		"make test": {Stdout: "ok   24 tests", Duration: 900 * time.Millisecond},
	}}
	g := newTestGate(runner, now)

	out, err := g.RunWithConfig(context.Background(), t.TempDir(), DefaultProjectConfig())
	if err != nil {
		t.Fatalf("RunWithConfig: %v", err)
	}
	if !out.Overall {
		t.Fatalf("overall = false, want true")
	}
	if !out.Lint.Passed || out.Lint.Output != "lint clean" {
		t.Errorf("lint result = %+v", out.Lint)
	}
	if !out.Test.Passed || out.Test.Output != "ok   24 tests" {
		t.Errorf("test result = %+v", out.Test)
	}
	if out.Lint.DurationMs != 120 {
		t.Errorf("lint duration = %d ms, want 120", out.Lint.DurationMs)
	}
	if len(runner.calls) != 2 {
		t.Errorf("runner calls = %v, want lint then test", runner.calls)
	}
}

func TestGate_LintFailureSkipsTests(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	runner := &scriptedRunner{outputs: map[string]*CommandOutput{
		"make lint": {Stderr: "main.go:10: unused variable x", ExitCode: 1},
	}}
	g := newTestGate(runner, now)

	out, err := g.RunWithConfig(context.Background(), t.TempDir(), DefaultProjectConfig())
	if err != nil {
		t.Fatalf("RunWithConfig: %v", err)
	}
	if out.Overall {
		t.Fatalf("overall = true after lint failure")
	}
	if out.Lint.Passed {
		t.Errorf("lint passed = true, want false")
	}
	if want := []string{"main.go:10: unused variable x"}; !reflect.DeepEqual(out.Lint.Errors, want) {
		t.Errorf("lint errors = %v, want %v", out.Lint.Errors, want)
	}
	if !out.Test.Skipped {
		t.Errorf("test skipped = false, want true")
	}
	if out.Test.Output != core.QualityCheckOutputSkipped {
		t.Errorf("test output = %q, want %q", out.Test.Output, core.QualityCheckOutputSkipped)
	}
	if !out.Test.FinishedAt.Equal(now) {
		t.Errorf("test finishedAt = %v, want clock time %v", out.Test.FinishedAt, now)
	}
	if len(runner.calls) != 1 {
		t.Errorf("runner calls = %v, test command must not run", runner.calls)
	}
}

func TestGate_TestFailure(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]*CommandOutput{
		"make lint": {Stdout: "clean"},
		"make test": {Stdout: "--- FAIL: TestThing", Stderr: "exit status 1", ExitCode: 2},
	}}
	g := newTestGate(runner, time.Now().UTC())

	out, err := g.RunWithConfig(context.Background(), t.TempDir(), DefaultProjectConfig())
	if err != nil {
		t.Fatalf("RunWithConfig: %v", err)
	}
	if out.Overall {
		t.Fatalf("overall = true, want false")
	}
	if !out.Lint.Passed {
		t.Errorf("lint passed = false, want true")
	}
	if out.Test.Passed || out.Test.Skipped {
		t.Errorf("test result = %+v, want failed and not skipped", out.Test)
	}
	if !strings.Contains(out.Test.Output, "--- FAIL: TestThing") {
		t.Errorf("test output %q missing failure text", out.Test.Output)
	}
}

func TestGate_RunnerErrorPropagates(t *testing.T) {
	boom := core.ErrQuality(core.CodeQualityGateFailed, "quality check could not start")
	runner := &scriptedRunner{errs: map[string]error{"make lint": boom}}
	g := newTestGate(runner, time.Now().UTC())

	_, err := g.RunWithConfig(context.Background(), t.TempDir(), DefaultProjectConfig())
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Code != core.CodeQualityGateFailed {
		t.Fatalf("err = %v, want QUALITY_GATE_FAILED", err)
	}
}

func TestLoadProjectConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadProjectConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if cfg.Lint.Command != "make" || !reflect.DeepEqual(cfg.Lint.Args, []string{"lint"}) {
		t.Errorf("lint = %+v, want default make lint", cfg.Lint)
	}
	if cfg.Test.Command != "make" || !reflect.DeepEqual(cfg.Test.Args, []string{"test"}) {
		t.Errorf("test = %+v, want default make test", cfg.Test)
	}
}

func TestLoadProjectConfig_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	gate := "lint:\n  command: npm\n  args: [run, lint]\n"
	if err := os.WriteFile(filepath.Join(dir, GateFileName), []byte(gate), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadProjectConfig(dir)
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if cfg.Lint.Command != "npm" || !reflect.DeepEqual(cfg.Lint.Args, []string{"run", "lint"}) {
		t.Errorf("lint = %+v, want npm run lint", cfg.Lint)
	}
	if cfg.Test.Command != "make" {
		t.Errorf("test command = %q, want default kept", cfg.Test.Command)
	}
}

func TestLoadProjectConfig_BadYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, GateFileName), []byte("lint: ["), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadProjectConfig(dir)
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Code != core.CodeInvalidConfig {
		t.Fatalf("err = %v, want INVALID_CONFIG", err)
	}
}

func TestBuildFeedback(t *testing.T) {
	out := &Outcome{
		Lint: &core.QualityCheckResult{
			Passed: false,
			Errors: []string{"main.go:10: unused variable x", "main.go:22: shadowed err"},
		},
		Test:    core.SkippedCheck(time.Now()),
		Overall: false,
	}

	fb := BuildFeedback(out)
	if fb == nil {
		t.Fatal("BuildFeedback returned nil for a failed outcome")
	}
	if want := []string{GateLint}; !reflect.DeepEqual(fb.FailedGates, want) {
		t.Errorf("failedGates = %v, want %v (skipped test must not count)", fb.FailedGates, want)
	}
	if len(fb.FixInstructions) != 2 {
		t.Fatalf("fixInstructions = %v, want one per lint error", fb.FixInstructions)
	}
	if !strings.HasPrefix(fb.FixInstructions[0], "lint: main.go:10") {
		t.Errorf("instruction[0] = %q", fb.FixInstructions[0])
	}
}

func TestBuildFeedback_PassedOutcomeIsNil(t *testing.T) {
	if fb := BuildFeedback(&Outcome{Overall: true}); fb != nil {
		t.Fatalf("BuildFeedback = %+v, want nil", fb)
	}
}

func TestBuildFeedback_BothGatesFailed(t *testing.T) {
	out := &Outcome{
		Lint: &core.QualityCheckResult{Passed: false, Errors: []string{"style"}},
		Test: &core.QualityCheckResult{Passed: false, Errors: []string{"TestX failed"}},
	}
	fb := BuildFeedback(out)
	if want := []string{GateLint, GateTest}; !reflect.DeepEqual(fb.FailedGates, want) {
		t.Errorf("failedGates = %v, want %v", fb.FailedGates, want)
	}
}

func TestFeedback_Message(t *testing.T) {
	fb := &Feedback{
		FailedGates:     []string{GateTest},
		FixInstructions: []string{"test: TestParse failed on empty input"},
	}
	msg := fb.Message()
	if !strings.Contains(msg, "Failed gates: test") {
		t.Errorf("message missing gate list:\n%s", msg)
	}
	if !strings.Contains(msg, "- test: TestParse failed on empty input") {
		t.Errorf("message missing instruction:\n%s", msg)
	}
}

func TestExecRunner_ExitCodeAndOutput(t *testing.T) {
	r := &execRunner{}
	out, err := r.Run(context.Background(), t.TempDir(), "sh", "-c", "echo from-stdout; echo from-stderr 1>&2; exit 3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
	if !strings.Contains(out.Stdout, "from-stdout") || !strings.Contains(out.Stderr, "from-stderr") {
		t.Errorf("streams not captured: stdout=%q stderr=%q", out.Stdout, out.Stderr)
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	r := &execRunner{}
	_, err := r.Run(ctx, t.TempDir(), "sh", "-c", "sleep 5")
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Category != core.ErrCatTimeout {
		t.Fatalf("err = %v, want timeout category", err)
	}
}

func TestExecRunner_EmptyCommand(t *testing.T) {
	r := &execRunner{}
	_, err := r.Run(context.Background(), t.TempDir(), "")
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Code != core.CodeInvalidConfig {
		t.Fatalf("err = %v, want INVALID_CONFIG", err)
	}
}
