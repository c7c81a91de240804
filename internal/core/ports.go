package core

import (
	"context"
	"time"
)

// =============================================================================
// Chat Completion Port
// =============================================================================

// ChatRequest is one completion call to a language model.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"maxTokens,omitempty"`
}

// ChatResponse is the model's reply.
type ChatResponse struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokensUsed"`
}

// ChatCompletion is the language-model capability. Concrete adapters
// (ollama, hosted APIs) live outside this module; tests and the default
// roster use scripted implementations.
type ChatCompletion interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// =============================================================================
// Version Control Port
// =============================================================================

// MergeReport summarizes a merge into the integration branch.
type MergeReport struct {
	From      string    `json:"from"`
	Into      string    `json:"into"`
	Commits   []string  `json:"commits"`
	Conflicts []string  `json:"conflicts,omitempty"`
	MergedAt  time.Time `json:"mergedAt"`
}

// VCS is the version-control capability. The engine needs branch isolation
// per subtask and a merge report at review time; a concrete git adapter is
// out of scope for this module.
type VCS interface {
	// CreateBranch creates branch off base in the project workspace.
	CreateBranch(ctx context.Context, projectDir, branch, base string) error

	// Commit records the given paths on branch and returns a commit id.
	Commit(ctx context.Context, projectDir, branch, message string, paths []string) (string, error)

	// Merge folds a work branch into the integration branch.
	Merge(ctx context.Context, projectDir, from, into string) (*MergeReport, error)
}

// =============================================================================
// Run Persistence Port
// =============================================================================

// RunInfo is a directory-scan summary of one stored run.
type RunInfo struct {
	RunID      string         `json:"runId"`
	WorkflowID WorkflowID     `json:"workflowId"`
	Status     WorkflowStatus `json:"status"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// RunTask is the immutable task metadata written when a run starts.
type RunTask struct {
	RunID       string     `json:"runId"`
	WorkflowID  WorkflowID `json:"workflowId"`
	ProjectID   string     `json:"projectId"`
	Instruction string     `json:"instruction"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// RunStore persists everything a run leaves on disk. Implementations write
// atomically: a reader never observes a half-written document.
type RunStore interface {
	// CreateRun allocates the run directory and writes task.json.
	CreateRun(task *RunTask) error

	// LoadTask reads back the task metadata.
	LoadTask(runID string) (*RunTask, error)

	SaveWorkflow(runID string, wf *Workflow) error
	LoadWorkflow(runID string) (*Workflow, error)

	// ListRuns scans every run directory and summarizes its workflow.
	ListRuns() ([]RunInfo, error)

	// SaveProposal archives any previous version before writing the new one.
	SaveProposal(runID string, p *Proposal) error
	LoadProposal(runID string) (*Proposal, error)

	SaveExecutionState(runID string, st *ExecutionState) error
	LoadExecutionState(runID string) (*ExecutionState, error)

	// SaveExecutionResult files one subtask execution record under
	// results/; a retry overwrites the previous attempt's record.
	SaveExecutionResult(runID string, r *ExecutionResult) error
	LoadExecutionResult(runID, ticketID string) (*ExecutionResult, error)

	SaveMinutes(runID string, m *MeetingMinutes) error
	LoadMinutes(runID, minutesID string) (*MeetingMinutes, error)

	// AppendLog appends one timestamped line to a named log in the run dir.
	AppendLog(runID, name, line string) error

	// CollectArtifact copies a produced file into artifacts/ and records it.
	// Deleted artifacts are recorded without copying.
	CollectArtifact(runID, sourcePath string, action ArtifactAction) (*ArtifactRecord, error)

	// Artifacts returns the collected artifact records in collection order.
	Artifacts(runID string) ([]ArtifactRecord, error)

	// WriteReport writes a rendered report at the run directory root.
	WriteReport(runID, filename, content string) error

	// RunDir exposes the absolute run directory path (for read-only mounts).
	RunDir(runID string) string
}
