package core

import (
	"fmt"
	"time"
)

// ApprovalAction is a principal's verdict on a pending approval.
type ApprovalAction string

const (
	ApprovalApprove         ApprovalAction = "approve"
	ApprovalRequestRevision ApprovalAction = "request_revision"
	ApprovalReject          ApprovalAction = "reject"
)

// ValidApprovalAction checks if an action string is valid.
func ValidApprovalAction(a ApprovalAction) bool {
	switch a {
	case ApprovalApprove, ApprovalRequestRevision, ApprovalReject:
		return true
	default:
		return false
	}
}

// Decision is a resolved approval, recorded on the workflow.
type Decision struct {
	Action    ApprovalAction `json:"action"`
	Feedback  string         `json:"feedback,omitempty"`
	Phase     Phase          `json:"phase"`
	DecidedBy string         `json:"decidedBy,omitempty"`
	DecidedAt time.Time      `json:"decidedAt"`
}

// Validate checks the decision payload.
func (d Decision) Validate() error {
	if !ValidApprovalAction(d.Action) {
		return ErrValidation(CodeInvalidDecision, fmt.Sprintf("invalid approval action: %q", d.Action))
	}
	return nil
}

// EscalationAction is a principal's verdict on an escalated task failure.
type EscalationAction string

const (
	EscalationRetry EscalationAction = "retry"
	EscalationSkip  EscalationAction = "skip"
	EscalationAbort EscalationAction = "abort"
)

// ValidEscalationAction checks if an action string is valid.
func ValidEscalationAction(a EscalationAction) bool {
	switch a {
	case EscalationRetry, EscalationSkip, EscalationAbort:
		return true
	default:
		return false
	}
}

// EscalationDecision resolves a pending escalation.
type EscalationDecision struct {
	Action    EscalationAction `json:"action"`
	Reason    string           `json:"reason,omitempty"`
	DecidedBy string           `json:"decidedBy,omitempty"`
	DecidedAt time.Time        `json:"decidedAt"`
}

// Validate checks the escalation decision payload.
func (d EscalationDecision) Validate() error {
	if !ValidEscalationAction(d.Action) {
		return ErrValidation(CodeInvalidDecision, fmt.Sprintf("invalid escalation action: %q", d.Action))
	}
	return nil
}

// Escalation describes a subtask whose retries are exhausted. While one is
// pending the workflow waits for a principal decision.
type Escalation struct {
	TaskID         string     `json:"taskId"`
	WorkerType     WorkerType `json:"workerType"`
	FailureDetails string     `json:"failureDetails"`
	RetryCount     int        `json:"retryCount"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Clone returns a copy of the escalation.
func (e *Escalation) Clone() *Escalation {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
