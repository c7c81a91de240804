package core

import "time"

// MeetingStatement is one participant contribution during a meeting.
type MeetingStatement struct {
	AgentID   string    `json:"agentId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MeetingMinutes is the persistent record of one coordinated meeting.
type MeetingMinutes struct {
	ID           string             `json:"id"`
	WorkflowID   WorkflowID         `json:"workflowId"`
	Topic        string             `json:"topic"`
	Participants []string           `json:"participants"`
	Statements   []MeetingStatement `json:"statements"`
	Summary      string             `json:"summary,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// Validate checks that the minutes are non-empty.
func (m *MeetingMinutes) Validate() error {
	if m.ID == "" {
		return ErrValidation(CodeMeetingFailed, "meeting minutes missing id")
	}
	if len(m.Statements) == 0 {
		return ErrValidation(CodeMeetingFailed, "meeting minutes contain no statements")
	}
	return nil
}
