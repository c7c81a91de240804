package core

import (
	"fmt"
	"time"
)

// ExecutionStatus summarizes one worker execution.
type ExecutionStatus string

const (
	ExecutionSuccess       ExecutionStatus = "success"
	ExecutionPartial       ExecutionStatus = "partial"
	ExecutionQualityFailed ExecutionStatus = "quality_failed"
	ExecutionError         ExecutionStatus = "error"
)

// ValidExecutionStatus checks if a status string is valid.
func ValidExecutionStatus(s ExecutionStatus) bool {
	switch s {
	case ExecutionSuccess, ExecutionPartial, ExecutionQualityFailed, ExecutionError:
		return true
	default:
		return false
	}
}

// ArtifactAction describes what happened to a produced file.
type ArtifactAction string

const (
	ArtifactCreated  ArtifactAction = "created"
	ArtifactModified ArtifactAction = "modified"
	ArtifactDeleted  ArtifactAction = "deleted"
)

// ValidArtifactAction checks if an action string is valid.
func ValidArtifactAction(a ArtifactAction) bool {
	switch a {
	case ArtifactCreated, ArtifactModified, ArtifactDeleted:
		return true
	default:
		return false
	}
}

// ArtifactRecord tracks one file a worker produced or touched. Deleted
// artifacts keep their record even though no copy exists.
type ArtifactRecord struct {
	Name        string         `json:"name"`
	Source      string         `json:"source"`
	Action      ArtifactAction `json:"action"`
	SizeBytes   int64          `json:"sizeBytes,omitempty"`
	CollectedAt time.Time      `json:"collectedAt"`
}

// ExecutionResult is the worker's full account of one subtask execution.
// Every field below serializes unconditionally so downstream consumers can
// rely on their presence.
type ExecutionResult struct {
	RunID             string           `json:"runId"`
	TicketID          string           `json:"ticketId"`
	AgentID           string           `json:"agentId"`
	Status            ExecutionStatus  `json:"status"`
	StartTime         time.Time        `json:"startTime"`
	EndTime           time.Time        `json:"endTime"`
	Artifacts         []ArtifactRecord `json:"artifacts"`
	GitBranch         string           `json:"gitBranch"`
	Commits           []string         `json:"commits"`
	QualityGates      *QualityResults  `json:"qualityGates"`
	Errors            []string         `json:"errors"`
	ConversationTurns int              `json:"conversationTurns"`
	TokensUsed        int              `json:"tokensUsed"`
}

// Duration returns the elapsed execution time.
func (r *ExecutionResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Validate checks the result invariants.
func (r *ExecutionResult) Validate() error {
	if r.RunID == "" || r.TicketID == "" || r.AgentID == "" {
		return ErrValidation(CodeInvalidStatus, "execution result missing identity fields")
	}
	if !ValidExecutionStatus(r.Status) {
		return ErrValidation(CodeInvalidStatus, fmt.Sprintf("invalid execution status: %q", r.Status))
	}
	if r.EndTime.Before(r.StartTime) {
		return ErrValidation(CodeInvalidStatus, "execution result ends before it starts")
	}
	return nil
}
