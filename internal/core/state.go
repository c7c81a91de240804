package core

import "time"

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn in an agent conversation.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// ExecutionState is the resumable snapshot of a run's transient state:
// which worker holds which task, each conversation so far, and the branch
// each task works on. It round-trips through JSON without loss.
type ExecutionState struct {
	RunID                 string                   `json:"runId"`
	WorkerAssignments     map[string]string        `json:"workerAssignments"`
	ConversationHistories map[string][]ChatMessage `json:"conversationHistories"`
	GitBranches           map[string]string        `json:"gitBranches"`
	SavedAt               time.Time                `json:"savedAt"`
}

// NewExecutionState returns an empty snapshot for a run.
func NewExecutionState(runID string) *ExecutionState {
	return &ExecutionState{
		RunID:                 runID,
		WorkerAssignments:     make(map[string]string),
		ConversationHistories: make(map[string][]ChatMessage),
		GitBranches:           make(map[string]string),
	}
}

// Clone returns a deep copy of the snapshot.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	c := NewExecutionState(s.RunID)
	c.SavedAt = s.SavedAt
	for k, v := range s.WorkerAssignments {
		c.WorkerAssignments[k] = v
	}
	for k, v := range s.ConversationHistories {
		c.ConversationHistories[k] = append([]ChatMessage(nil), v...)
	}
	for k, v := range s.GitBranches {
		c.GitBranches[k] = v
	}
	return c
}
