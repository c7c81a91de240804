package runstore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/fsutil"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// File and directory names inside a run directory.
const (
	taskFile      = "task.json"
	workflowFile  = "workflow.json"
	proposalFile  = "proposal.json"
	stateFile     = "execution_state.json"
	artifactIndex = "artifacts.json"
	artifactsDir  = "artifacts"
	minutesDir    = "minutes"
	resultsDir    = "results"
)

// Store persists runs under <root>/<run-id>/. Every document write goes
// through an atomic temp-and-rename so a crashed writer never corrupts the
// previously committed version.
type Store struct {
	root   string
	clock  core.Clock
	logger *logging.Logger

	// Guards read-modify-write cycles (artifact index, proposal archive).
	mu sync.Mutex
}

// Option configures the store.
type Option func(*Store)

// WithClock sets the time source used for log prefixes and artifact records.
func WithClock(c core.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a store rooted at runsDir. The directory is created lazily on
// the first CreateRun.
func New(runsDir string, opts ...Option) *Store {
	s := &Store{
		root:   runsDir,
		clock:  core.SystemClock(),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the runs root directory.
func (s *Store) Root() string {
	return s.root
}

// RunDir exposes the absolute run directory path.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) checkRunID(runID string) error {
	if !core.ValidRunID(runID) {
		return core.ErrValidation("INVALID_RUN_ID", fmt.Sprintf("malformed run id: %q", runID))
	}
	return nil
}

func (s *Store) requireRun(runID string) error {
	if err := s.checkRunID(runID); err != nil {
		return err
	}
	if _, err := os.Stat(s.RunDir(runID)); err != nil {
		if os.IsNotExist(err) {
			return core.ErrNotFound("run", runID)
		}
		return core.ErrState(core.CodeStateCorrupted, "stat run directory").WithCause(err)
	}
	return nil
}

// checkName rejects names that would escape the run directory.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return core.ErrValidation("INVALID_NAME", fmt.Sprintf("unsafe file name: %q", name))
	}
	return nil
}

// CreateRun allocates the run directory and writes task.json. A run id can
// only ever be created once.
func (s *Store) CreateRun(task *core.RunTask) error {
	if task == nil {
		return core.ErrValidation("INVALID_TASK", "task is nil")
	}
	if err := s.checkRunID(task.RunID); err != nil {
		return err
	}
	if !core.ValidWorkflowID(string(task.WorkflowID)) {
		return core.ErrValidation("INVALID_WORKFLOW_ID", fmt.Sprintf("malformed workflow id: %q", task.WorkflowID))
	}

	dir := s.RunDir(task.RunID)
	if _, err := os.Stat(filepath.Join(dir, taskFile)); err == nil {
		return core.ErrConflict(core.CodeDuplicateRun, fmt.Sprintf("run %s already exists", task.RunID))
	}

	for _, sub := range []string{artifactsDir, minutesDir, resultsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return core.ErrState(core.CodePersistFailed, "create run directory").WithCause(err)
		}
	}

	if err := s.writeJSON(filepath.Join(dir, taskFile), task); err != nil {
		return err
	}

	s.logger.Debug("run created", "run_id", task.RunID, "workflow_id", task.WorkflowID)
	return nil
}

// LoadTask reads back the task metadata.
func (s *Store) LoadTask(runID string) (*core.RunTask, error) {
	if err := s.requireRun(runID); err != nil {
		return nil, err
	}

	var task core.RunTask
	if err := s.readJSON(filepath.Join(s.RunDir(runID), taskFile), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SaveWorkflow persists the workflow document. Unknown JSON fields captured
// at load time survive the write.
func (s *Store) SaveWorkflow(runID string, wf *core.Workflow) error {
	if err := s.requireRun(runID); err != nil {
		return err
	}
	if wf == nil {
		return core.ErrValidation("INVALID_WORKFLOW", "workflow is nil")
	}
	return s.writeJSON(filepath.Join(s.RunDir(runID), workflowFile), wf)
}

// LoadWorkflow reads the workflow document.
func (s *Store) LoadWorkflow(runID string) (*core.Workflow, error) {
	if err := s.requireRun(runID); err != nil {
		return nil, err
	}

	path := filepath.Join(s.RunDir(runID), workflowFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, core.ErrNotFound("workflow", runID)
	}

	var wf core.Workflow
	if err := s.readJSON(path, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListRuns scans every run directory and summarizes its workflow. Runs are
// returned in run-id order, which is chronological by construction.
func (s *Store) ListRuns() ([]core.RunInfo, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "read runs directory").WithCause(err)
	}

	var infos []core.RunInfo
	for _, entry := range entries {
		if !entry.IsDir() || !core.ValidRunID(entry.Name()) {
			continue
		}
		runID := entry.Name()

		var task core.RunTask
		if err := s.readJSON(filepath.Join(s.RunDir(runID), taskFile), &task); err != nil {
			s.logger.Warn("skipping run without readable task", "run_id", runID, "error", err)
			continue
		}

		info := core.RunInfo{
			RunID:      runID,
			WorkflowID: task.WorkflowID,
			UpdatedAt:  task.CreatedAt,
		}
		if wf, err := s.LoadWorkflow(runID); err == nil {
			info.WorkflowID = wf.WorkflowID
			info.Status = wf.Status
			info.UpdatedAt = wf.UpdatedAt
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].RunID < infos[j].RunID })
	return infos, nil
}

// SaveProposal writes proposal.json, archiving any previous version to
// proposal.v<N>.json first so revision history survives meeting reruns.
func (s *Store) SaveProposal(runID string, p *core.Proposal) error {
	if err := s.requireRun(runID); err != nil {
		return err
	}
	if p == nil {
		return core.ErrValidation(core.CodeInvalidProposal, "proposal is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.RunDir(runID), proposalFile)
	if prev, err := os.ReadFile(path); err == nil {
		n, err := s.nextProposalVersion(runID)
		if err != nil {
			return err
		}
		archive := filepath.Join(s.RunDir(runID), fmt.Sprintf("proposal.v%d.json", n))
		if err := fsutil.WriteFileAtomic(archive, prev, 0o640); err != nil {
			return core.ErrState(core.CodePersistFailed, "archive previous proposal").WithCause(err)
		}
	}

	return s.writeJSON(path, p)
}

func (s *Store) nextProposalVersion(runID string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.RunDir(runID), "proposal.v*.json"))
	if err != nil {
		return 0, core.ErrState(core.CodeStateCorrupted, "scan proposal archives").WithCause(err)
	}
	return len(matches) + 1, nil
}

// LoadProposal reads proposal.json.
func (s *Store) LoadProposal(runID string) (*core.Proposal, error) {
	if err := s.requireRun(runID); err != nil {
		return nil, err
	}

	path := filepath.Join(s.RunDir(runID), proposalFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, core.ErrNotFound("proposal", runID)
	}

	var p core.Proposal
	if err := s.readJSON(path, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveExecutionState snapshots the resumable engine state.
func (s *Store) SaveExecutionState(runID string, st *core.ExecutionState) error {
	if err := s.requireRun(runID); err != nil {
		return err
	}
	if st == nil {
		return core.ErrValidation("INVALID_STATE", "execution state is nil")
	}
	return s.writeJSON(filepath.Join(s.RunDir(runID), stateFile), st)
}

// LoadExecutionState reads the resumable engine state.
func (s *Store) LoadExecutionState(runID string) (*core.ExecutionState, error) {
	if err := s.requireRun(runID); err != nil {
		return nil, err
	}

	path := filepath.Join(s.RunDir(runID), stateFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, core.ErrNotFound("execution state", runID)
	}

	var st core.ExecutionState
	if err := s.readJSON(path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveExecutionResult files one subtask execution record under
// results/<ticket>.json. A retried subtask overwrites the record of the
// previous attempt, the same way workflow.json tracks the latest state.
func (s *Store) SaveExecutionResult(runID string, r *core.ExecutionResult) error {
	if err := s.requireRun(runID); err != nil {
		return err
	}
	if r == nil {
		return core.ErrValidation("INVALID_RESULT", "execution result is nil")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if err := checkName(r.TicketID); err != nil {
		return err
	}
	return s.writeJSON(filepath.Join(s.RunDir(runID), resultsDir, r.TicketID+".json"), r)
}

// LoadExecutionResult reads one subtask's execution record.
func (s *Store) LoadExecutionResult(runID, ticketID string) (*core.ExecutionResult, error) {
	if err := s.requireRun(runID); err != nil {
		return nil, err
	}
	if err := checkName(ticketID); err != nil {
		return nil, err
	}

	path := filepath.Join(s.RunDir(runID), resultsDir, ticketID+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, core.ErrNotFound("execution result", ticketID)
	}

	var r core.ExecutionResult
	if err := s.readJSON(path, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveMinutes stores one meeting's minutes under minutes/<id>.json.
func (s *Store) SaveMinutes(runID string, m *core.MeetingMinutes) error {
	if err := s.requireRun(runID); err != nil {
		return err
	}
	if m == nil {
		return core.ErrValidation("INVALID_MINUTES", "minutes are nil")
	}
	if err := checkName(m.ID); err != nil {
		return err
	}
	return s.writeJSON(filepath.Join(s.RunDir(runID), minutesDir, m.ID+".json"), m)
}

// LoadMinutes reads one meeting's minutes.
func (s *Store) LoadMinutes(runID, minutesID string) (*core.MeetingMinutes, error) {
	if err := s.requireRun(runID); err != nil {
		return nil, err
	}
	if err := checkName(minutesID); err != nil {
		return nil, err
	}

	path := filepath.Join(s.RunDir(runID), minutesDir, minutesID+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, core.ErrNotFound("minutes", minutesID)
	}

	var m core.MeetingMinutes
	if err := s.readJSON(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendLog appends one line to a named log in the run directory, prefixed
// with an RFC 3339 UTC timestamp.
func (s *Store) AppendLog(runID, name, line string) error {
	if err := s.requireRun(runID); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}

	stamped := s.clock.Now().UTC().Format(time.RFC3339) + " " + line
	if err := fsutil.AppendLine(filepath.Join(s.RunDir(runID), name), stamped); err != nil {
		return core.ErrState(core.CodePersistFailed, "append log line").
			WithCause(err).
			WithDetail("log", name)
	}
	return nil
}

// ReadLog returns the raw contents of a named log, or empty when it does not
// exist yet.
func (s *Store) ReadLog(runID, name string) (string, error) {
	if err := s.requireRun(runID); err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", core.ErrState(core.CodeStateCorrupted, "read log").WithCause(err)
	}
	return string(data), nil
}

// CollectArtifact copies a produced file into artifacts/ and records it.
// Deleted artifacts are recorded without copying. Name collisions get a
// numeric suffix so repeated collections never overwrite earlier copies.
func (s *Store) CollectArtifact(runID, sourcePath string, action core.ArtifactAction) (*core.ArtifactRecord, error) {
	if err := s.requireRun(runID); err != nil {
		return nil, err
	}
	if !core.ValidArtifactAction(action) {
		return nil, core.ErrValidation("INVALID_ARTIFACT_ACTION", fmt.Sprintf("unknown action: %q", action))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := core.ArtifactRecord{
		Name:        filepath.Base(sourcePath),
		Source:      sourcePath,
		Action:      action,
		CollectedAt: s.clock.Now().UTC(),
	}

	if action != core.ArtifactDeleted {
		name, size, err := s.copyArtifact(runID, sourcePath)
		if err != nil {
			return nil, err
		}
		record.Name = name
		record.SizeBytes = size
	}

	records, err := s.loadArtifactIndex(runID)
	if err != nil {
		return nil, err
	}
	records = append(records, record)
	if err := s.writeJSON(filepath.Join(s.RunDir(runID), artifactIndex), records); err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *Store) copyArtifact(runID, sourcePath string) (string, int64, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return "", 0, core.ErrState(core.CodePersistFailed, "open artifact source").
			WithCause(err).
			WithDetail("source", sourcePath)
	}
	defer src.Close()

	dir := filepath.Join(s.RunDir(runID), artifactsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, core.ErrState(core.CodePersistFailed, "create artifacts directory").WithCause(err)
	}

	base := filepath.Base(sourcePath)
	name := base
	var dst *os.File
	for i := 2; ; i++ {
		dst, err = os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return "", 0, core.ErrState(core.CodePersistFailed, "create artifact copy").WithCause(err)
		}
		ext := filepath.Ext(base)
		name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), i, ext)
	}
	defer dst.Close()

	size, err := io.Copy(dst, src)
	if err != nil {
		os.Remove(dst.Name())
		return "", 0, core.ErrState(core.CodePersistFailed, "copy artifact").WithCause(err)
	}
	if err := dst.Sync(); err != nil {
		return "", 0, core.ErrState(core.CodePersistFailed, "sync artifact").WithCause(err)
	}

	return name, size, nil
}

func (s *Store) loadArtifactIndex(runID string) ([]core.ArtifactRecord, error) {
	path := filepath.Join(s.RunDir(runID), artifactIndex)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var records []core.ArtifactRecord
	if err := s.readJSON(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Artifacts returns the collected artifact records in collection order.
func (s *Store) Artifacts(runID string) ([]core.ArtifactRecord, error) {
	if err := s.requireRun(runID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadArtifactIndex(runID)
}

// WriteReport writes a rendered report at the run directory root.
func (s *Store) WriteReport(runID, filename, content string) error {
	if err := s.requireRun(runID); err != nil {
		return err
	}
	if err := checkName(filename); err != nil {
		return err
	}

	path := filepath.Join(s.RunDir(runID), filename)
	if err := fsutil.WriteFileAtomic(path, []byte(content), 0o640); err != nil {
		return core.ErrState(core.CodePersistFailed, "write report").
			WithCause(err).
			WithDetail("report", filename)
	}
	return nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return core.ErrState(core.CodePersistFailed, "marshal document").
			WithCause(err).
			WithDetail("file", filepath.Base(path))
	}
	data = append(data, '\n')

	if err := fsutil.WriteFileAtomic(path, data, 0o640); err != nil {
		return core.ErrState(core.CodePersistFailed, "write document").
			WithCause(err).
			WithDetail("file", filepath.Base(path))
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.ErrNotFound("document", filepath.Base(path))
		}
		return core.ErrState(core.CodeStateCorrupted, "read document").
			WithCause(err).
			WithDetail("file", filepath.Base(path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return core.ErrState(core.CodeStateCorrupted, "document is not valid JSON").
			WithCause(err).
			WithDetail("file", filepath.Base(path))
	}
	return nil
}

// Verify that Store implements core.RunStore.
var _ core.RunStore = (*Store)(nil)
