package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkflowStatus represents the current state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusRunning         WorkflowStatus = "running"
	WorkflowStatusWaitingApproval WorkflowStatus = "waiting_approval"
	WorkflowStatusPaused          WorkflowStatus = "paused"
	WorkflowStatusCompleted       WorkflowStatus = "completed"
	WorkflowStatusFailed          WorkflowStatus = "failed"
	WorkflowStatusTerminated      WorkflowStatus = "terminated"
)

// ValidWorkflowStatus checks if a status string is valid.
func ValidWorkflowStatus(s WorkflowStatus) bool {
	switch s {
	case WorkflowStatusRunning, WorkflowStatusWaitingApproval, WorkflowStatusPaused,
		WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusTerminated:
		return true
	default:
		return false
	}
}

// PhaseTransition records one movement in the phase history chain.
type PhaseTransition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// ErrorEntry records an error observed during workflow execution.
type ErrorEntry struct {
	Message     string    `json:"message"`
	Phase       Phase     `json:"phase"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// Workflow is the persistent record of one orchestration run. It is a plain
// data aggregate; the engine serializes access to it.
type Workflow struct {
	WorkflowID        WorkflowID        `json:"workflowId"`
	RunID             string            `json:"runId"`
	ProjectID         string            `json:"projectId"`
	Instruction       string            `json:"instruction"`
	CurrentPhase      Phase             `json:"currentPhase"`
	Status            WorkflowStatus    `json:"status"`
	PhaseHistory      []PhaseTransition `json:"phaseHistory"`
	MeetingMinutesIDs []string          `json:"meetingMinutesIds"`
	ApprovalDecisions []Decision        `json:"approvalDecisions"`
	ErrorLog          []ErrorEntry      `json:"errorLog"`
	Progress          *Progress         `json:"progress,omitempty"`
	QualityResults    *QualityResults   `json:"qualityResults,omitempty"`
	Deliverable       *Deliverable      `json:"deliverable,omitempty"`
	Escalation        *Escalation       `json:"escalation,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`

	// Extra holds JSON fields written by other tools (for example the
	// dashboard). They survive load/save untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

// workflowKnownFields mirrors the json tags above. Keys found in a stored
// document but absent here are preserved in Extra.
var workflowKnownFields = []string{
	"workflowId", "runId", "projectId", "instruction", "currentPhase",
	"status", "phaseHistory", "meetingMinutesIds", "approvalDecisions",
	"errorLog", "progress", "qualityResults", "deliverable", "escalation",
	"createdAt", "updatedAt",
}

// NewWorkflow creates a workflow in the proposal phase.
func NewWorkflow(id WorkflowID, runID, projectID, instruction string, now time.Time) *Workflow {
	return &Workflow{
		WorkflowID:        id,
		RunID:             runID,
		ProjectID:         projectID,
		Instruction:       instruction,
		CurrentPhase:      PhaseProposal,
		Status:            WorkflowStatusRunning,
		PhaseHistory:      []PhaseTransition{},
		MeetingMinutesIDs: []string{},
		ApprovalDecisions: []Decision{},
		ErrorLog:          []ErrorEntry{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsTerminal returns true if the workflow is in a terminal state.
func (w *Workflow) IsTerminal() bool {
	return w.Status == WorkflowStatusCompleted ||
		w.Status == WorkflowStatusFailed ||
		w.Status == WorkflowStatusTerminated
}

// TransitionTo moves the workflow to another phase, appending exactly one
// history entry. The phase history forms a chain: each entry's From equals
// the previous entry's To.
func (w *Workflow) TransitionTo(to Phase, reason string, now time.Time) error {
	if w.Status == WorkflowStatusTerminated {
		return ErrConflict(CodeWorkflowTerminal, fmt.Sprintf("workflow %s is terminated", w.WorkflowID))
	}
	if w.IsTerminal() {
		return ErrConflict(CodeWorkflowTerminal, fmt.Sprintf("workflow %s is in terminal status %s", w.WorkflowID, w.Status))
	}
	if !ValidPhase(to) {
		return ErrValidation(CodeInvalidPhase, fmt.Sprintf("invalid phase: %s", to))
	}
	if to == w.CurrentPhase {
		return ErrConflict(CodeSamePhaseTransition, fmt.Sprintf("workflow %s already in phase %s", w.WorkflowID, to))
	}
	w.PhaseHistory = append(w.PhaseHistory, PhaseTransition{
		From:      w.CurrentPhase,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	w.CurrentPhase = to
	w.UpdatedAt = now
	return nil
}

// Rollback moves the workflow to a strictly earlier phase. The recorded
// reason always contains the word "rollback".
func (w *Workflow) Rollback(target Phase, reason string, now time.Time) error {
	if w.IsTerminal() {
		return ErrConflict(CodeWorkflowTerminal, fmt.Sprintf("workflow %s is in terminal status %s", w.WorkflowID, w.Status))
	}
	if !ValidPhase(target) {
		return ErrValidation(CodeInvalidPhase, fmt.Sprintf("invalid phase: %s", target))
	}
	if PhaseOrder(target) >= PhaseOrder(w.CurrentPhase) {
		return ErrConflict(CodeRollbackForward,
			fmt.Sprintf("cannot roll back from %s to %s", w.CurrentPhase, target))
	}
	if !strings.Contains(reason, "rollback") {
		reason = "rollback: " + reason
	}
	if err := w.TransitionTo(target, reason, now); err != nil {
		return err
	}
	w.Status = WorkflowStatusRunning
	return nil
}

// AwaitApproval marks the workflow as waiting for a principal decision.
func (w *Workflow) AwaitApproval(now time.Time) error {
	if w.IsTerminal() {
		return ErrConflict(CodeWorkflowTerminal, fmt.Sprintf("workflow %s is in terminal status %s", w.WorkflowID, w.Status))
	}
	w.Status = WorkflowStatusWaitingApproval
	w.UpdatedAt = now
	return nil
}

// ResumeRunning returns the workflow to running after a wait or pause.
func (w *Workflow) ResumeRunning(now time.Time) error {
	if w.IsTerminal() {
		return ErrConflict(CodeWorkflowTerminal, fmt.Sprintf("workflow %s is in terminal status %s", w.WorkflowID, w.Status))
	}
	w.Status = WorkflowStatusRunning
	w.UpdatedAt = now
	return nil
}

// Pause suspends a running workflow.
func (w *Workflow) Pause(now time.Time) error {
	if w.Status != WorkflowStatusRunning {
		return ErrConflict(CodeInvalidStatus, fmt.Sprintf("cannot pause workflow in %s status", w.Status))
	}
	w.Status = WorkflowStatusPaused
	w.UpdatedAt = now
	return nil
}

// Complete marks the workflow completed.
func (w *Workflow) Complete(now time.Time) error {
	if w.IsTerminal() {
		return ErrConflict(CodeWorkflowTerminal, fmt.Sprintf("workflow %s is in terminal status %s", w.WorkflowID, w.Status))
	}
	w.Status = WorkflowStatusCompleted
	w.UpdatedAt = now
	return nil
}

// Fail marks the workflow failed and records the error.
func (w *Workflow) Fail(message string, recoverable bool, now time.Time) {
	if w.Status == WorkflowStatusTerminated {
		return
	}
	w.Status = WorkflowStatusFailed
	w.RecordError(message, recoverable, now)
}

// Terminate forces the workflow into the absorbing terminated state.
// Terminating an already-terminal workflow is a no-op.
func (w *Workflow) Terminate(reason string, now time.Time) {
	if w.IsTerminal() {
		return
	}
	w.Status = WorkflowStatusTerminated
	w.RecordError("terminated: "+reason, false, now)
}

// RecordError appends an entry to the error log.
func (w *Workflow) RecordError(message string, recoverable bool, now time.Time) {
	w.ErrorLog = append(w.ErrorLog, ErrorEntry{
		Message:     message,
		Phase:       w.CurrentPhase,
		Timestamp:   now,
		Recoverable: recoverable,
	})
	w.UpdatedAt = now
}

// RecordDecision appends a principal decision to the history.
func (w *Workflow) RecordDecision(d Decision, now time.Time) {
	w.ApprovalDecisions = append(w.ApprovalDecisions, d)
	w.UpdatedAt = now
}

// AttachMinutes links a meeting minutes document to this workflow.
func (w *Workflow) AttachMinutes(minutesID string, now time.Time) {
	w.MeetingMinutesIDs = append(w.MeetingMinutesIDs, minutesID)
	w.UpdatedAt = now
}

// Validate checks workflow invariants.
func (w *Workflow) Validate() error {
	if !ValidWorkflowID(string(w.WorkflowID)) {
		return ErrValidation("WORKFLOW_ID_INVALID", fmt.Sprintf("malformed workflow id: %q", w.WorkflowID))
	}
	if strings.TrimSpace(w.Instruction) == "" {
		return ErrValidation(CodeEmptyInstruction, "workflow instruction cannot be empty")
	}
	if len(w.Instruction) > MaxInstructionLength {
		return ErrValidation(CodeInstructionTooLong,
			fmt.Sprintf("instruction length %d exceeds %d", len(w.Instruction), MaxInstructionLength))
	}
	if !ValidPhase(w.CurrentPhase) {
		return ErrValidation(CodeInvalidPhase, fmt.Sprintf("invalid phase: %s", w.CurrentPhase))
	}
	if !ValidWorkflowStatus(w.Status) {
		return ErrValidation(CodeInvalidStatus, fmt.Sprintf("invalid status: %s", w.Status))
	}
	return w.validateHistory()
}

// validateHistory checks that the phase history forms an unbroken chain
// ending at the current phase.
func (w *Workflow) validateHistory() error {
	prev := PhaseProposal
	for i, tr := range w.PhaseHistory {
		if tr.From != prev {
			return ErrState(CodeStateCorrupted,
				fmt.Sprintf("phase history broken at %d: from=%s want=%s", i, tr.From, prev))
		}
		prev = tr.To
	}
	if prev != w.CurrentPhase {
		return ErrState(CodeStateCorrupted,
			fmt.Sprintf("phase history ends at %s but current phase is %s", prev, w.CurrentPhase))
	}
	return nil
}

// Clone returns a deep copy safe to hand out while the driver keeps mutating
// the original.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.PhaseHistory = append([]PhaseTransition(nil), w.PhaseHistory...)
	c.MeetingMinutesIDs = append([]string(nil), w.MeetingMinutesIDs...)
	c.ApprovalDecisions = append([]Decision(nil), w.ApprovalDecisions...)
	c.ErrorLog = append([]ErrorEntry(nil), w.ErrorLog...)
	c.Progress = w.Progress.Clone()
	c.QualityResults = w.QualityResults.Clone()
	c.Deliverable = w.Deliverable.Clone()
	c.Escalation = w.Escalation.Clone()
	if w.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(w.Extra))
		for k, v := range w.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// MarshalJSON emits the known fields plus any preserved unknown fields.
func (w Workflow) MarshalJSON() ([]byte, error) {
	type plain Workflow
	base, err := json.Marshal(plain(w))
	if err != nil {
		return nil, err
	}
	if len(w.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range w.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and stashes unknown ones in Extra.
func (w *Workflow) UnmarshalJSON(data []byte) error {
	type plain Workflow
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range workflowKnownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	*w = Workflow(p)
	return nil
}
