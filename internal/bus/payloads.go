package bus

import (
	"github.com/agentcompany/agentcompany/internal/core"
)

// TaskAssignPayload hands a subtask to a worker.
type TaskAssignPayload struct {
	TicketID    string          `json:"ticketId"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	WorkerType  core.WorkerType `json:"workerType"`
	Workspace   string          `json:"workspace,omitempty"`
	Branch      string          `json:"branch,omitempty"`
	Attempt     int             `json:"attempt,omitempty"`
}

// TaskResultPayload reports the outcome of an assigned subtask.
type TaskResultPayload struct {
	TicketID   string             `json:"ticketId"`
	Status     string             `json:"status"`
	Output     string             `json:"output,omitempty"`
	Artifacts  []string           `json:"artifacts,omitempty"`
	Error      string             `json:"error,omitempty"`
	TokensUsed int                `json:"tokensUsed,omitempty"`
	Turns      int                `json:"turns,omitempty"`
	Transcript []core.ChatMessage `json:"transcript,omitempty"`
}

// ReviewRequestPayload asks a reviewer to inspect completed work.
type ReviewRequestPayload struct {
	TicketID  string   `json:"ticketId"`
	WorkerID  string   `json:"workerId"`
	Branch    string   `json:"branch,omitempty"`
	Checklist []string `json:"checklist,omitempty"`
}

// ReviewResponsePayload carries the reviewer's verdict back.
type ReviewResponsePayload struct {
	TicketID   string `json:"ticketId"`
	ReviewerID string `json:"reviewerId"`
	Approved   bool   `json:"approved"`
	Feedback   string `json:"feedback,omitempty"`
}

// ConflictEscalatePayload raises a blocked ticket to the orchestrator.
type ConflictEscalatePayload struct {
	TicketID string `json:"ticketId"`
	WorkerID string `json:"workerId"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// MeetingInvitePayload opens a meeting round for one participant.
// Context carries the statements gathered in earlier rounds so each
// participant can build on them.
type MeetingInvitePayload struct {
	MeetingID string `json:"meetingId"`
	Topic     string `json:"topic"`
	Round     int    `json:"round"`
	Context   string `json:"context,omitempty"`
}

// MeetingStatementPayload is one participant's contribution to a round.
type MeetingStatementPayload struct {
	MeetingID string `json:"meetingId"`
	Round     int    `json:"round"`
	Statement string `json:"statement"`
}
