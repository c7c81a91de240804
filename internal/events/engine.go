package events

// Event type constants for the engine lifecycle.
const (
	TypeWorkflowStarted    = "workflow_started"
	TypePhaseTransition    = "phase_transition"
	TypeWorkflowCompleted  = "workflow_completed"
	TypeWorkflowFailed     = "workflow_failed"
	TypeWorkflowTerminated = "workflow_terminated"

	TypeApprovalRequested = "approval_requested"
	TypeApprovalDecided   = "approval_decided"

	TypeSubtaskDispatched = "subtask_dispatched"
	TypeSubtaskCompleted  = "subtask_completed"
	TypeSubtaskFailed     = "subtask_failed"

	TypeEscalationRaised   = "escalation_raised"
	TypeEscalationResolved = "escalation_resolved"

	TypeReviewRequested = "review_requested"
	TypeReviewDecided   = "review_decided"

	TypeQualityGateFinished = "quality_gate_finished"

	TypeWorkerSpawned = "worker_spawned"
	TypeWorkerEvicted = "worker_evicted"
)

// WorkflowStartedEvent is emitted once when a workflow is created.
type WorkflowStartedEvent struct {
	BaseEvent
	RunID       string `json:"runId"`
	ProjectID   string `json:"projectId"`
	Instruction string `json:"instruction"`
}

// NewWorkflowStartedEvent creates a workflow started event.
func NewWorkflowStartedEvent(workflowID, runID, projectID, instruction string) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		BaseEvent:   NewBaseEvent(TypeWorkflowStarted, workflowID),
		RunID:       runID,
		ProjectID:   projectID,
		Instruction: instruction,
	}
}

// PhaseTransitionEvent is emitted for every phase history entry.
type PhaseTransitionEvent struct {
	BaseEvent
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// NewPhaseTransitionEvent creates a phase transition event.
func NewPhaseTransitionEvent(workflowID, from, to, reason string) PhaseTransitionEvent {
	return PhaseTransitionEvent{
		BaseEvent: NewBaseEvent(TypePhaseTransition, workflowID),
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// WorkflowCompletedEvent is emitted once when the workflow reaches
// completed status in the delivery phase.
type WorkflowCompletedEvent struct {
	BaseEvent
	RunID      string `json:"runId"`
	DurationMs int64  `json:"durationMs"`
}

// NewWorkflowCompletedEvent creates a workflow completed event.
func NewWorkflowCompletedEvent(workflowID, runID string, durationMs int64) WorkflowCompletedEvent {
	return WorkflowCompletedEvent{
		BaseEvent:  NewBaseEvent(TypeWorkflowCompleted, workflowID),
		RunID:      runID,
		DurationMs: durationMs,
	}
}

// WorkflowFailedEvent is emitted when the driver gives up on a workflow.
type WorkflowFailedEvent struct {
	BaseEvent
	Phase string `json:"phase"`
	Error string `json:"error"`
}

// NewWorkflowFailedEvent creates a workflow failed event.
func NewWorkflowFailedEvent(workflowID, phase, errMsg string) WorkflowFailedEvent {
	return WorkflowFailedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowFailed, workflowID),
		Phase:     phase,
		Error:     errMsg,
	}
}

// WorkflowTerminatedEvent is emitted on explicit termination.
type WorkflowTerminatedEvent struct {
	BaseEvent
	Reason string `json:"reason,omitempty"`
}

// NewWorkflowTerminatedEvent creates a workflow terminated event.
func NewWorkflowTerminatedEvent(workflowID, reason string) WorkflowTerminatedEvent {
	return WorkflowTerminatedEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowTerminated, workflowID),
		Reason:    reason,
	}
}

// ApprovalRequestedEvent is emitted whenever a pending approval is
// created or its content replaced.
type ApprovalRequestedEvent struct {
	BaseEvent
	Phase   string `json:"phase"`
	Content string `json:"content,omitempty"`
}

// NewApprovalRequestedEvent creates an approval requested event.
func NewApprovalRequestedEvent(workflowID, phase, content string) ApprovalRequestedEvent {
	return ApprovalRequestedEvent{
		BaseEvent: NewBaseEvent(TypeApprovalRequested, workflowID),
		Phase:     phase,
		Content:   content,
	}
}

// ApprovalDecidedEvent is emitted when a principal resolves an approval.
type ApprovalDecidedEvent struct {
	BaseEvent
	Phase  string `json:"phase"`
	Action string `json:"action"`
}

// NewApprovalDecidedEvent creates an approval decided event.
func NewApprovalDecidedEvent(workflowID, phase, action string) ApprovalDecidedEvent {
	return ApprovalDecidedEvent{
		BaseEvent: NewBaseEvent(TypeApprovalDecided, workflowID),
		Phase:     phase,
		Action:    action,
	}
}

// SubtaskDispatchedEvent is emitted when a subtask is handed to a worker.
type SubtaskDispatchedEvent struct {
	BaseEvent
	TaskID     string `json:"taskId"`
	WorkerID   string `json:"workerId"`
	WorkerType string `json:"workerType"`
	Attempt    int    `json:"attempt"`
}

// NewSubtaskDispatchedEvent creates a subtask dispatched event.
func NewSubtaskDispatchedEvent(workflowID, taskID, workerID, workerType string, attempt int) SubtaskDispatchedEvent {
	return SubtaskDispatchedEvent{
		BaseEvent:  NewBaseEvent(TypeSubtaskDispatched, workflowID),
		TaskID:     taskID,
		WorkerID:   workerID,
		WorkerType: workerType,
		Attempt:    attempt,
	}
}

// SubtaskCompletedEvent is emitted when a worker reports success.
type SubtaskCompletedEvent struct {
	BaseEvent
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId"`
}

// NewSubtaskCompletedEvent creates a subtask completed event.
func NewSubtaskCompletedEvent(workflowID, taskID, workerID string) SubtaskCompletedEvent {
	return SubtaskCompletedEvent{
		BaseEvent: NewBaseEvent(TypeSubtaskCompleted, workflowID),
		TaskID:    taskID,
		WorkerID:  workerID,
	}
}

// SubtaskFailedEvent is emitted per failed attempt, before any retry.
type SubtaskFailedEvent struct {
	BaseEvent
	TaskID  string `json:"taskId"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

// NewSubtaskFailedEvent creates a subtask failed event.
func NewSubtaskFailedEvent(workflowID, taskID string, attempt int, errMsg string) SubtaskFailedEvent {
	return SubtaskFailedEvent{
		BaseEvent: NewBaseEvent(TypeSubtaskFailed, workflowID),
		TaskID:    taskID,
		Attempt:   attempt,
		Error:     errMsg,
	}
}

// EscalationRaisedEvent is emitted when a subtask exhausts its retries.
type EscalationRaisedEvent struct {
	BaseEvent
	TaskID     string `json:"taskId"`
	RetryCount int    `json:"retryCount"`
}

// NewEscalationRaisedEvent creates an escalation raised event.
func NewEscalationRaisedEvent(workflowID, taskID string, retryCount int) EscalationRaisedEvent {
	return EscalationRaisedEvent{
		BaseEvent:  NewBaseEvent(TypeEscalationRaised, workflowID),
		TaskID:     taskID,
		RetryCount: retryCount,
	}
}

// EscalationResolvedEvent is emitted when the principal answers an
// escalation with retry, skip or abort.
type EscalationResolvedEvent struct {
	BaseEvent
	TaskID string `json:"taskId"`
	Action string `json:"action"`
}

// NewEscalationResolvedEvent creates an escalation resolved event.
func NewEscalationResolvedEvent(workflowID, taskID, action string) EscalationResolvedEvent {
	return EscalationResolvedEvent{
		BaseEvent: NewBaseEvent(TypeEscalationResolved, workflowID),
		TaskID:    taskID,
		Action:    action,
	}
}

// ReviewRequestedEvent mirrors a [REQUEST] line in reviews.log.
type ReviewRequestedEvent struct {
	BaseEvent
	TicketID string `json:"ticketId"`
	WorkerID string `json:"workerId"`
}

// NewReviewRequestedEvent creates a review requested event.
func NewReviewRequestedEvent(workflowID, ticketID, workerID string) ReviewRequestedEvent {
	return ReviewRequestedEvent{
		BaseEvent: NewBaseEvent(TypeReviewRequested, workflowID),
		TicketID:  ticketID,
		WorkerID:  workerID,
	}
}

// ReviewDecidedEvent mirrors an [APPROVE] or [REJECT] line.
type ReviewDecidedEvent struct {
	BaseEvent
	TicketID string `json:"ticketId"`
	Approved bool   `json:"approved"`
}

// NewReviewDecidedEvent creates a review decided event.
func NewReviewDecidedEvent(workflowID, ticketID string, approved bool) ReviewDecidedEvent {
	return ReviewDecidedEvent{
		BaseEvent: NewBaseEvent(TypeReviewDecided, workflowID),
		TicketID:  ticketID,
		Approved:  approved,
	}
}

// QualityGateFinishedEvent is emitted after the QA phase gate run.
type QualityGateFinishedEvent struct {
	BaseEvent
	Passed     bool `json:"passed"`
	LintPassed bool `json:"lintPassed"`
	TestPassed bool `json:"testPassed"`
}

// NewQualityGateFinishedEvent creates a quality gate finished event.
func NewQualityGateFinishedEvent(workflowID string, passed, lintPassed, testPassed bool) QualityGateFinishedEvent {
	return QualityGateFinishedEvent{
		BaseEvent:  NewBaseEvent(TypeQualityGateFinished, workflowID),
		Passed:     passed,
		LintPassed: lintPassed,
		TestPassed: testPassed,
	}
}

// WorkerSpawnedEvent is emitted when the pool creates a worker slot.
type WorkerSpawnedEvent struct {
	BaseEvent
	WorkerID   string `json:"workerId"`
	WorkerType string `json:"workerType"`
}

// NewWorkerSpawnedEvent creates a worker spawned event.
func NewWorkerSpawnedEvent(workflowID, workerID, workerType string) WorkerSpawnedEvent {
	return WorkerSpawnedEvent{
		BaseEvent:  NewBaseEvent(TypeWorkerSpawned, workflowID),
		WorkerID:   workerID,
		WorkerType: workerType,
	}
}

// WorkerEvictedEvent is emitted when the health sweep or an error path
// removes a worker from the pool.
type WorkerEvictedEvent struct {
	BaseEvent
	WorkerID string `json:"workerId"`
	Reason   string `json:"reason,omitempty"`
}

// NewWorkerEvictedEvent creates a worker evicted event.
func NewWorkerEvictedEvent(workflowID, workerID, reason string) WorkerEvictedEvent {
	return WorkerEvictedEvent{
		BaseEvent: NewBaseEvent(TypeWorkerEvicted, workflowID),
		WorkerID:  workerID,
		Reason:    reason,
	}
}
