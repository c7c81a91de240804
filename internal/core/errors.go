package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation  ErrorCategory = "validation"  // Invalid input
	ErrCatExecution   ErrorCategory = "execution"   // Runtime task failure
	ErrCatTimeout     ErrorCategory = "timeout"     // Operation timed out
	ErrCatQuality     ErrorCategory = "quality"     // Quality gate failure
	ErrCatContainer   ErrorCategory = "container"   // Container lifecycle failure
	ErrCatState       ErrorCategory = "state"       // State corruption/conflict
	ErrCatUnavailable ErrorCategory = "unavailable" // Resource temporarily unavailable
	ErrCatNotFound    ErrorCategory = "not_found"   // Resource not found
	ErrCatConflict    ErrorCategory = "conflict"    // Concurrent or illegal modification
	ErrCatInternal    ErrorCategory = "internal"    // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrCodingAgentTimeout reports a worker that exceeded its task deadline.
func ErrCodingAgentTimeout(workerID, taskID string, limit time.Duration) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeCodingAgentTimeout,
		Message:   fmt.Sprintf("worker %s exceeded %s on task %s", workerID, limit, taskID),
		Retryable: true,
		Details: map[string]interface{}{
			"worker_id": workerID,
			"task_id":   taskID,
			"limit":     limit.String(),
		},
	}
}

// ErrQuality creates a quality gate error.
func ErrQuality(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatQuality,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrContainer creates a container lifecycle error.
func ErrContainer(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatContainer,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrUnavailable creates an unavailability error.
func ErrUnavailable(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatUnavailable,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrConflict creates a conflict error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error. Known resource names map to their
// dedicated codes so API clients can switch on them.
func ErrNotFound(resource, id string) *DomainError {
	code := "NOT_FOUND"
	switch resource {
	case "workflow":
		code = CodeWorkflowNotFound
	case "run":
		code = CodeRunNotFound
	case "ticket":
		code = CodeTicketNotFound
	}
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      code,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrNoPendingApproval reports a decision submitted with nothing pending.
func ErrNoPendingApproval(workflowID string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeNoPendingApproval,
		Message:   fmt.Sprintf("no pending approval for workflow %s", workflowID),
		Retryable: false,
	}
}

// ErrInternal creates an internal error.
func ErrInternal(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatInternal,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeTicketNotFound    = "TICKET_NOT_FOUND"
	CodeNoPendingApproval = "NO_PENDING_APPROVAL"
	CodeStateCorrupted    = "STATE_CORRUPTED"
	CodePersistFailed     = "PERSIST_FAILED"
	CodeDriverPanic       = "DRIVER_PANIC"

	// Validation error codes
	CodeEmptyInstruction   = "EMPTY_INSTRUCTION"
	CodeInstructionTooLong = "INSTRUCTION_TOO_LONG"
	CodeInvalidPhase       = "INVALID_PHASE"
	CodeInvalidStatus      = "INVALID_STATUS"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidDecision    = "INVALID_DECISION"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeInvalidProposal    = "INVALID_PROPOSAL"

	// Conflict error codes
	CodeWorkflowTerminal      = "WORKFLOW_TERMINAL"
	CodeSamePhaseTransition   = "SAME_PHASE_TRANSITION"
	CodeRollbackForward       = "ROLLBACK_FORWARD"
	CodeApprovalPhaseMismatch = "APPROVAL_PHASE_MISMATCH"
	CodeDecisionWrongPhase    = "DECISION_WRONG_PHASE"
	CodeDuplicateRun          = "DUPLICATE_RUN"
	CodeNoEscalation          = "NO_ESCALATION"

	// Execution error codes
	CodeTaskFailed      = "TASK_FAILED"
	CodeExecutionStuck  = "EXECUTION_STUCK"
	CodeDAGCycle        = "DAG_CYCLE"
	CodeMeetingFailed   = "MEETING_FAILED"
	CodeApprovalTimeout = "APPROVAL_CANCELLED"

	// Resource error codes
	CodeWorkerUnavailable  = "WORKER_UNAVAILABLE"
	CodeBusUnavailable     = "BUS_UNAVAILABLE"
	CodeCodingAgentTimeout = "CODING_AGENT_TIMEOUT"

	// Quality error codes
	CodeQualityGateFailed = "QUALITY_GATE_FAILED"
	CodeLintFailed        = "LINT_FAILED"
	CodeTestFailed        = "TEST_FAILED"

	// Container error codes
	CodeContainerCreateFailed   = "CONTAINER_CREATE_FAILED"
	CodeContainerStartFailed    = "CONTAINER_START_FAILED"
	CodeContainerDestroyTimeout = "CONTAINER_DESTROY_TIMEOUT"
	CodeContainerBadTransition  = "CONTAINER_BAD_TRANSITION"
	CodeDockerCommandDenied     = "DOCKER_COMMAND_DENIED"
)

// MaxInstructionLength is the maximum allowed instruction length.
const MaxInstructionLength = 100000
