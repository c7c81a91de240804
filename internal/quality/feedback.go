package quality

import (
	"fmt"
	"strings"

	"github.com/agentcompany/agentcompany/internal/core"
)

// Gate names as they appear in feedback payloads.
const (
	GateLint = "lint"
	GateTest = "test"
)

// Feedback carries gate failures back into a worker conversation so the
// coding agent can fix its own output.
type Feedback struct {
	FailedGates     []string `json:"failedGates"`
	FixInstructions []string `json:"fixInstructions"`
}

// BuildFeedback derives fix instructions from a failed outcome. It
// returns nil when the outcome passed.
func BuildFeedback(out *Outcome) *Feedback {
	if out == nil || out.Overall {
		return nil
	}

	fb := &Feedback{}
	if out.Lint != nil && !out.Lint.Passed && !out.Lint.Skipped {
		fb.FailedGates = append(fb.FailedGates, GateLint)
		fb.FixInstructions = append(fb.FixInstructions, instructions(GateLint, out.Lint)...)
	}
	if out.Test != nil && !out.Test.Passed && !out.Test.Skipped {
		fb.FailedGates = append(fb.FailedGates, GateTest)
		fb.FixInstructions = append(fb.FixInstructions, instructions(GateTest, out.Test)...)
	}
	if len(fb.FixInstructions) == 0 {
		fb.FixInstructions = append(fb.FixInstructions, "fix the failing quality checks and resubmit")
	}
	return fb
}

func instructions(gate string, res *core.QualityCheckResult) []string {
	if len(res.Errors) == 0 {
		return []string{fmt.Sprintf("%s failed, inspect the full output and fix the reported problems", gate)}
	}
	out := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		out = append(out, fmt.Sprintf("%s: %s", gate, e))
	}
	return out
}

// Message renders the feedback as a conversation turn for the coding
// agent.
func (f *Feedback) Message() string {
	var b strings.Builder
	b.WriteString("The quality gate rejected your last change.\n")
	b.WriteString("Failed gates: ")
	b.WriteString(strings.Join(f.FailedGates, ", "))
	b.WriteString("\n\nFix the following and produce a corrected version:\n")
	for _, ins := range f.FixInstructions {
		b.WriteString("- ")
		b.WriteString(ins)
		b.WriteString("\n")
	}
	return b.String()
}
