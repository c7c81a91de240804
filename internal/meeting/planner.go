package meeting

import (
	"fmt"
	"strings"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/worker"
)

// Planner derives an execution proposal from an instruction and the
// minutes of the proposal meeting. The default implementation is a
// deterministic pipeline heuristic; an LLM-backed planner can replace
// it behind the same function shape.
type Planner func(instruction string, feedback []string, minutes *core.MeetingMinutes, version int) (*core.Proposal, error)

// NewPipelinePlanner builds the default planner. It lays the work out
// as a design → implement → test → review pipeline, leading with a
// research stage when the instruction reads like an investigation.
func NewPipelinePlanner(reg *worker.Registry) Planner {
	return func(instruction string, feedback []string, minutes *core.MeetingMinutes, version int) (*core.Proposal, error) {
		if strings.TrimSpace(instruction) == "" {
			return nil, core.ErrValidation(core.CodeEmptyInstruction, "cannot plan an empty instruction")
		}
		if minutes == nil {
			return nil, core.ErrValidation(core.CodeInvalidProposal, "proposal requires meeting minutes")
		}

		topic := headline(instruction)
		matched := core.WorkerTypeDeveloper
		if reg != nil {
			matched = reg.MatchByText(instruction)
		}

		var tasks []core.TaskBreakdownItem
		add := func(title, desc string, t core.WorkerType, deps ...string) string {
			id := fmt.Sprintf("task-%03d", len(tasks)+1)
			tasks = append(tasks, core.TaskBreakdownItem{
				ID:              id,
				Title:           title,
				Description:     desc,
				WorkerType:      t,
				EstimatedEffort: "medium",
				Dependencies:    deps,
			})
			return id
		}

		var prev string
		switch matched {
		case core.WorkerTypeResearch:
			prev = add("Research: "+topic, "Investigate the problem space and summarize findings for the team.", core.WorkerTypeResearch)
		case core.WorkerTypeDesign:
			prev = add("Design: "+topic, "Produce the design the implementation will follow.", core.WorkerTypeDesign)
		}
		implDesc := "Implement the change described in the instruction:\n" + instruction
		if len(feedback) > 0 {
			implDesc += "\n\nRevision feedback to address:\n- " + strings.Join(feedback, "\n- ")
		}
		var implDeps []string
		if prev != "" {
			implDeps = []string{prev}
		}
		impl := add("Implement: "+topic, implDesc, core.WorkerTypeDeveloper, implDeps...)
		tst := add("Test: "+topic, "Write and run tests covering the implemented change.", core.WorkerTypeTest, impl)
		add("Review and integrate: "+topic, "Review the combined change set and prepare it for integration.", core.WorkerTypeReview, tst)

		p := &core.Proposal{
			Summary:           fmt.Sprintf("Execution plan for: %s", topic),
			Scope:             instruction,
			TaskBreakdown:     tasks,
			MeetingMinutesIDs: []string{minutes.ID},
			Version:           version,
			CreatedAt:         minutes.CreatedAt,
		}
		for _, t := range tasks {
			p.WorkerAssignments = append(p.WorkerAssignments, core.WorkerAssignment{
				TaskID:     t.ID,
				WorkerType: t.WorkerType,
				Rationale:  "pipeline stage matched to worker capabilities",
			})
			for _, d := range t.Dependencies {
				p.Dependencies = append(p.Dependencies, core.ProposalDependency{From: d, To: t.ID})
			}
		}
		p.RiskAssessment = []core.RiskItem{
			{
				Description: "Scope may exceed a single development iteration",
				Severity:    core.RiskMedium,
				Mitigation:  "Escalate blocked subtasks through the approval gate",
			},
			{
				Description: "Quality gate may reject the integrated result",
				Severity:    core.RiskLow,
				Mitigation:  "Feedback loop reopens the affected subtask with fix instructions",
			},
		}
		if len(feedback) > 0 {
			p.RiskAssessment = append(p.RiskAssessment, core.RiskItem{
				Description: "Revision round: earlier proposal was sent back",
				Severity:    core.RiskMedium,
				Mitigation:  "Plan incorporates the principal's feedback verbatim",
			})
		}

		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// headline trims the instruction to a short task-title form.
func headline(instruction string) string {
	s := strings.TrimSpace(instruction)
	if i := strings.IndexAny(s, "\n."); i > 0 {
		s = s[:i]
	}
	const max = 72
	if len(s) > max {
		s = s[:max-1] + "…"
	}
	return s
}
