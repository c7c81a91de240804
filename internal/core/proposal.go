package core

import (
	"fmt"
	"time"
)

// RiskSeverity grades a risk item.
type RiskSeverity string

const (
	RiskLow    RiskSeverity = "low"
	RiskMedium RiskSeverity = "medium"
	RiskHigh   RiskSeverity = "high"
)

// TaskBreakdownItem is one unit of work inside a proposal.
type TaskBreakdownItem struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	WorkerType      WorkerType `json:"workerType"`
	EstimatedEffort string     `json:"estimatedEffort,omitempty"`
	Dependencies    []string   `json:"dependencies,omitempty"`
}

// WorkerAssignment maps a task to the worker type that should take it.
type WorkerAssignment struct {
	TaskID     string     `json:"taskId"`
	WorkerType WorkerType `json:"workerType"`
	Rationale  string     `json:"rationale,omitempty"`
}

// RiskItem is one identified risk with its mitigation.
type RiskItem struct {
	Description string       `json:"description"`
	Severity    RiskSeverity `json:"severity"`
	Mitigation  string       `json:"mitigation,omitempty"`
}

// ProposalDependency is an edge in the task dependency graph: From must
// complete before To may start.
type ProposalDependency struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Proposal is the execution plan produced by the proposal-phase meeting.
// A stored proposal is immutable; revisions produce a new version.
type Proposal struct {
	Summary           string               `json:"summary"`
	Scope             string               `json:"scope,omitempty"`
	TaskBreakdown     []TaskBreakdownItem  `json:"taskBreakdown"`
	WorkerAssignments []WorkerAssignment   `json:"workerAssignments"`
	RiskAssessment    []RiskItem           `json:"riskAssessment,omitempty"`
	Dependencies      []ProposalDependency `json:"dependencies,omitempty"`
	MeetingMinutesIDs []string             `json:"meetingMinutesIds,omitempty"`
	Version           int                  `json:"version"`
	CreatedAt         time.Time            `json:"createdAt"`
}

// Task returns the breakdown item with the given id.
func (p *Proposal) Task(id string) (*TaskBreakdownItem, bool) {
	for i := range p.TaskBreakdown {
		if p.TaskBreakdown[i].ID == id {
			return &p.TaskBreakdown[i], true
		}
	}
	return nil, false
}

// DependenciesOf returns the ids a task waits on, combining the per-task
// dependency list with graph edges.
func (p *Proposal) DependenciesOf(id string) []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(d string) {
		if d != "" && d != id && !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	if t, ok := p.Task(id); ok {
		for _, d := range t.Dependencies {
			add(d)
		}
	}
	for _, e := range p.Dependencies {
		if e.To == id {
			add(e.From)
		}
	}
	return deps
}

// AssignedType returns the worker type for a task, falling back to the
// breakdown item's own type when no explicit assignment exists.
func (p *Proposal) AssignedType(id string) WorkerType {
	for _, a := range p.WorkerAssignments {
		if a.TaskID == id {
			return a.WorkerType
		}
	}
	if t, ok := p.Task(id); ok {
		return t.WorkerType
	}
	return ""
}

// Validate checks proposal invariants: non-empty summary and breakdown,
// known worker types, dependency references that exist, and an acyclic
// dependency graph.
func (p *Proposal) Validate() error {
	if p.Summary == "" {
		return ErrValidation(CodeInvalidProposal, "proposal summary cannot be empty")
	}
	if len(p.TaskBreakdown) == 0 {
		return ErrValidation(CodeInvalidProposal, "proposal must contain at least one task")
	}
	ids := make(map[string]bool, len(p.TaskBreakdown))
	for _, t := range p.TaskBreakdown {
		if t.ID == "" {
			return ErrValidation(CodeInvalidProposal, "task id cannot be empty")
		}
		if ids[t.ID] {
			return ErrValidation(CodeInvalidProposal, fmt.Sprintf("duplicate task id: %s", t.ID))
		}
		ids[t.ID] = true
		if !ValidWorkerType(t.WorkerType) {
			return ErrValidation(CodeInvalidProposal,
				fmt.Sprintf("task %s has invalid worker type %q", t.ID, t.WorkerType))
		}
	}
	for _, t := range p.TaskBreakdown {
		for _, d := range t.Dependencies {
			if !ids[d] {
				return ErrValidation(CodeInvalidProposal,
					fmt.Sprintf("task %s depends on unknown task %s", t.ID, d))
			}
		}
	}
	for _, e := range p.Dependencies {
		if !ids[e.From] || !ids[e.To] {
			return ErrValidation(CodeInvalidProposal,
				fmt.Sprintf("dependency edge %s->%s references unknown task", e.From, e.To))
		}
	}
	for _, a := range p.WorkerAssignments {
		if !ids[a.TaskID] {
			return ErrValidation(CodeInvalidProposal,
				fmt.Sprintf("assignment references unknown task %s", a.TaskID))
		}
		if !ValidWorkerType(a.WorkerType) {
			return ErrValidation(CodeInvalidProposal,
				fmt.Sprintf("assignment for %s has invalid worker type %q", a.TaskID, a.WorkerType))
		}
	}
	if cycle := p.findCycle(); cycle != "" {
		return ErrValidation(CodeDAGCycle, fmt.Sprintf("dependency cycle involving task %s", cycle))
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency graph and returns a
// task id on a cycle, or empty.
func (p *Proposal) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.TaskBreakdown))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, d := range p.DependenciesOf(id) {
			switch color[d] {
			case gray:
				return d
			case white:
				if c := visit(d); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for _, t := range p.TaskBreakdown {
		if color[t.ID] == white {
			if c := visit(t.ID); c != "" {
				return c
			}
		}
	}
	return ""
}

// Clone returns a deep copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.TaskBreakdown = make([]TaskBreakdownItem, len(p.TaskBreakdown))
	for i, t := range p.TaskBreakdown {
		t.Dependencies = append([]string(nil), t.Dependencies...)
		c.TaskBreakdown[i] = t
	}
	c.WorkerAssignments = append([]WorkerAssignment(nil), p.WorkerAssignments...)
	c.RiskAssessment = append([]RiskItem(nil), p.RiskAssessment...)
	c.Dependencies = append([]ProposalDependency(nil), p.Dependencies...)
	c.MeetingMinutesIDs = append([]string(nil), p.MeetingMinutesIDs...)
	return &c
}
