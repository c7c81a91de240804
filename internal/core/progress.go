package core

import (
	"fmt"
	"time"
)

// SubtaskStatus tracks one proposal task through the development phase.
type SubtaskStatus string

const (
	SubtaskPending      SubtaskStatus = "pending"
	SubtaskAssigned     SubtaskStatus = "assigned"
	SubtaskRunning      SubtaskStatus = "running"
	SubtaskQualityCheck SubtaskStatus = "quality_check"
	SubtaskCompleted    SubtaskStatus = "completed"
	SubtaskFailed       SubtaskStatus = "failed"
	SubtaskBlocked      SubtaskStatus = "blocked"
	SubtaskSkipped      SubtaskStatus = "skipped"
)

// ReviewStatus tracks the review verdict for a completed subtask.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// SubtaskProgress is the mutable execution record for one proposal task.
type SubtaskProgress struct {
	ID               string        `json:"id"`
	WorkerType       WorkerType    `json:"workerType"`
	Status           SubtaskStatus `json:"status"`
	AssignedWorkerID string        `json:"assignedWorkerId,omitempty"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	ReviewStatus     ReviewStatus  `json:"reviewStatus"`
	Artifacts        []string      `json:"artifacts,omitempty"`
	GitBranch        string        `json:"gitBranch,omitempty"`
	Retries          int           `json:"retries"`
	Feedback         []string      `json:"feedback,omitempty"`
}

// MarkAssigned records dispatch to a worker.
func (s *SubtaskProgress) MarkAssigned(workerID string) {
	s.Status = SubtaskAssigned
	s.AssignedWorkerID = workerID
}

// MarkRunning records that the worker started executing.
func (s *SubtaskProgress) MarkRunning(now time.Time) {
	s.Status = SubtaskRunning
	t := now
	s.StartedAt = &t
}

// MarkCompleted records successful execution; the review verdict is still
// pending at this point.
func (s *SubtaskProgress) MarkCompleted(now time.Time, artifacts []string, branch string) {
	s.Status = SubtaskCompleted
	s.ReviewStatus = ReviewPending
	t := now
	s.CompletedAt = &t
	s.Artifacts = append([]string(nil), artifacts...)
	if branch != "" {
		s.GitBranch = branch
	}
}

// MarkFailed records a failed attempt and bumps the retry counter.
func (s *SubtaskProgress) MarkFailed(feedback string) {
	s.Status = SubtaskFailed
	s.AssignedWorkerID = ""
	s.Retries++
	if feedback != "" {
		s.Feedback = append(s.Feedback, feedback)
	}
}

// MarkSkipped removes the subtask from further scheduling.
func (s *SubtaskProgress) MarkSkipped(now time.Time) {
	s.Status = SubtaskSkipped
	s.AssignedWorkerID = ""
	t := now
	s.CompletedAt = &t
}

// Reopen puts the subtask back in line for dispatch, carrying feedback to
// the next worker. The retry counter is left alone: review rejections and
// quality reopenings are revisions, not failures.
func (s *SubtaskProgress) Reopen(feedback string) {
	s.Status = SubtaskPending
	s.ReviewStatus = ReviewPending
	s.AssignedWorkerID = ""
	s.StartedAt = nil
	s.CompletedAt = nil
	if feedback != "" {
		s.Feedback = append(s.Feedback, feedback)
	}
}

// ResetForRetry requeues a failed subtask without touching its counters.
func (s *SubtaskProgress) ResetForRetry() {
	s.Status = SubtaskPending
	s.AssignedWorkerID = ""
	s.StartedAt = nil
	s.CompletedAt = nil
}

// Done reports whether the subtask needs no further work.
func (s *SubtaskProgress) Done() bool {
	if s.Status == SubtaskSkipped {
		return true
	}
	return s.Status == SubtaskCompleted && s.ReviewStatus == ReviewApproved
}

// Clone returns a copy of the subtask progress.
func (s *SubtaskProgress) Clone() *SubtaskProgress {
	if s == nil {
		return nil
	}
	c := *s
	c.Artifacts = append([]string(nil), s.Artifacts...)
	c.Feedback = append([]string(nil), s.Feedback...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Progress tracks all subtasks of the development phase.
type Progress struct {
	Subtasks map[string]*SubtaskProgress `json:"subtasks"`
	Order    []string                    `json:"order"`
}

// NewProgress builds a fresh progress tracker from a proposal.
func NewProgress(p *Proposal) *Progress {
	pr := &Progress{
		Subtasks: make(map[string]*SubtaskProgress, len(p.TaskBreakdown)),
		Order:    make([]string, 0, len(p.TaskBreakdown)),
	}
	for _, t := range p.TaskBreakdown {
		pr.Subtasks[t.ID] = &SubtaskProgress{
			ID:           t.ID,
			WorkerType:   p.AssignedType(t.ID),
			Status:       SubtaskPending,
			ReviewStatus: ReviewPending,
		}
		pr.Order = append(pr.Order, t.ID)
	}
	return pr
}

// Get returns the progress record for a subtask.
func (p *Progress) Get(id string) (*SubtaskProgress, error) {
	s, ok := p.Subtasks[id]
	if !ok {
		return nil, ErrNotFound("subtask", id)
	}
	return s, nil
}

// Ready returns pending subtasks whose dependencies are all satisfied, in
// proposal order. Completed and skipped dependencies both count as done.
func (p *Progress) Ready(proposal *Proposal) []string {
	var ready []string
	for _, id := range p.Order {
		s := p.Subtasks[id]
		if s.Status != SubtaskPending {
			continue
		}
		ok := true
		for _, dep := range proposal.DependenciesOf(id) {
			d, exists := p.Subtasks[dep]
			if !exists || (d.Status != SubtaskCompleted && d.Status != SubtaskSkipped) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// InFlight returns subtasks currently assigned, running, in quality check,
// or completed but awaiting a review verdict.
func (p *Progress) InFlight() []string {
	var out []string
	for _, id := range p.Order {
		switch s := p.Subtasks[id]; {
		case s.Status == SubtaskAssigned, s.Status == SubtaskRunning, s.Status == SubtaskQualityCheck:
			out = append(out, id)
		case s.Status == SubtaskCompleted && s.ReviewStatus == ReviewPending:
			out = append(out, id)
		}
	}
	return out
}

// AllDone reports whether every subtask is finished.
func (p *Progress) AllDone() bool {
	for _, s := range p.Subtasks {
		if !s.Done() {
			return false
		}
	}
	return true
}

// Counts returns completed and failed totals.
func (p *Progress) Counts() (completed, failed int) {
	for _, s := range p.Subtasks {
		switch s.Status {
		case SubtaskCompleted:
			completed++
		case SubtaskFailed:
			failed++
		}
	}
	return
}

// MostRecentlyCompleted returns the completed, non-skipped subtask with the
// latest completion time, or empty when none completed yet.
func (p *Progress) MostRecentlyCompleted() string {
	var best string
	var bestAt time.Time
	for _, id := range p.Order {
		s := p.Subtasks[id]
		if s.Status != SubtaskCompleted || s.CompletedAt == nil {
			continue
		}
		if best == "" || s.CompletedAt.After(bestAt) {
			best = id
			bestAt = *s.CompletedAt
		}
	}
	return best
}

// Validate checks that order and map agree.
func (p *Progress) Validate() error {
	if len(p.Order) != len(p.Subtasks) {
		return ErrState(CodeStateCorrupted,
			fmt.Sprintf("progress order has %d entries but map has %d", len(p.Order), len(p.Subtasks)))
	}
	for _, id := range p.Order {
		if _, ok := p.Subtasks[id]; !ok {
			return ErrState(CodeStateCorrupted, fmt.Sprintf("progress order references unknown subtask %s", id))
		}
	}
	return nil
}

// Clone returns a deep copy of the progress tracker.
func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	c := &Progress{
		Subtasks: make(map[string]*SubtaskProgress, len(p.Subtasks)),
		Order:    append([]string(nil), p.Order...),
	}
	for id, s := range p.Subtasks {
		c.Subtasks[id] = s.Clone()
	}
	return c
}
