// Package engine drives workflows through their five phases: proposal,
// approval, development, quality_assurance, delivery. One driver
// goroutine owns each workflow's state; every other component sees
// deep-copied snapshots. All state mutations are persisted through the
// run store before the driver suspends again, so a crash never loses a
// committed transition.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcompany/agentcompany/internal/agents"
	"github.com/agentcompany/agentcompany/internal/approval"
	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/container"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/diagnostics"
	"github.com/agentcompany/agentcompany/internal/events"
	"github.com/agentcompany/agentcompany/internal/logging"
	"github.com/agentcompany/agentcompany/internal/meeting"
	"github.com/agentcompany/agentcompany/internal/metrics"
	"github.com/agentcompany/agentcompany/internal/quality"
	"github.com/agentcompany/agentcompany/internal/report"
	"github.com/agentcompany/agentcompany/internal/review"
	"github.com/agentcompany/agentcompany/internal/runstore"
	"github.com/agentcompany/agentcompany/internal/ticket"
	"github.com/agentcompany/agentcompany/internal/tracker"
	"github.com/agentcompany/agentcompany/internal/worker"
)

// DefaultMaxTaskRetries is how many failures a subtask absorbs before
// the engine escalates it.
const DefaultMaxTaskRetries = 3

// maxQARounds bounds how often a failing quality gate may send the
// workflow back to development before the run is declared failed.
const maxQARounds = 3

// ReopenPolicy picks which subtask to reopen after a failed quality
// gate. Returning an empty id makes the engine fail the workflow
// instead of looping.
type ReopenPolicy func(p *core.Progress) string

// ReopenMostRecent reopens the subtask whose work landed last.
func ReopenMostRecent(p *core.Progress) string {
	return p.MostRecentlyCompleted()
}

// SandboxFactory provisions a running container for one worker. The
// workspace is mounted read-write, the run directory read-only.
type SandboxFactory func(ctx context.Context, workerID, workspace, resultsDir string) (*container.WorkerContainer, error)

// session is the mutable spine of one driven workflow.
type session struct {
	wf     *core.Workflow
	mu     sync.Mutex
	cancel context.CancelFunc

	terminate   atomic.Bool
	termReason  atomic.Value // string
	escalations chan core.EscalationDecision

	review     *review.Workflow
	feedback   []string
	reviews    []core.ReviewRecord
	ticketIDs  map[string]string
	exec       *core.ExecutionState
	version    int
	qaRounds   int
	started    time.Time
	phaseStart time.Time
}

func (s *session) terminationReason() string {
	if r, ok := s.termReason.Load().(string); ok && r != "" {
		return r
	}
	return "terminated by operator"
}

// snapshot returns a deep copy of the workflow under the session lock.
func (s *session) snapshot() *core.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wf.Clone()
}

// Engine owns the drivers and every shared subsystem they suspend on.
type Engine struct {
	cfg      *config.SystemConfig
	store    *runstore.Store
	bus      bus.Bus
	gate     *approval.Gate
	pool     *worker.Pool
	company  *agents.Company
	meetings *meeting.Coordinator
	planner  meeting.Planner
	quality  *quality.Gate
	reporter *report.Reporter
	tracker  *tracker.Tracker
	tickets  *ticket.Manager
	events   *events.Bus
	metrics  *metrics.Set
	vcs      core.VCS
	dumps    *diagnostics.CrashDumpWriter
	sandbox  SandboxFactory

	clock      core.Clock
	logger     *logging.Logger
	reopen     ReopenPolicy
	maxRetries int
	workspaces string

	mu       sync.Mutex
	sessions map[core.WorkflowID]*session
	wg       sync.WaitGroup
	root     context.Context
	stop     context.CancelFunc
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock injects the timestamp source.
func WithClock(c core.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithVCS wires the version-control capability used for branch
// isolation and integration merges.
func WithVCS(v core.VCS) Option {
	return func(e *Engine) { e.vcs = v }
}

// WithQualityGate replaces the phase-level quality gate.
func WithQualityGate(g *quality.Gate) Option {
	return func(e *Engine) {
		if g != nil {
			e.quality = g
		}
	}
}

// WithPlanner replaces the proposal planner.
func WithPlanner(p meeting.Planner) Option {
	return func(e *Engine) {
		if p != nil {
			e.planner = p
		}
	}
}

// WithReopenPolicy replaces the quality-failure reopen policy.
func WithReopenPolicy(p ReopenPolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.reopen = p
		}
	}
}

// WithMaxTaskRetries overrides the per-subtask retry budget.
func WithMaxTaskRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithMetrics attaches the collector set.
func WithMetrics(m *metrics.Set) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvents attaches the in-process event bus.
func WithEvents(b *events.Bus) Option {
	return func(e *Engine) { e.events = b }
}

// WithTracker attaches the performance/tech-debt series.
func WithTracker(t *tracker.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithCrashDumps attaches a crash-dump writer. When set, a panic
// escaping a phase is dumped to disk before the workflow is failed.
func WithCrashDumps(w *diagnostics.CrashDumpWriter) Option {
	return func(e *Engine) { e.dumps = w }
}

// WithSandboxFactory makes the dispatcher provision a container for
// every worker before it receives its first assignment. Without a
// factory workers execute unsandboxed, which is only acceptable in
// tests and dry runs.
func WithSandboxFactory(fn SandboxFactory) Option {
	return func(e *Engine) { e.sandbox = fn }
}

// WithWorkspacesDir sets the root under which per-project checkouts
// live.
func WithWorkspacesDir(dir string) Option {
	return func(e *Engine) {
		if dir != "" {
			e.workspaces = dir
		}
	}
}

// Deps are the shared subsystems an engine is built around. All fields
// are required.
type Deps struct {
	Config   *config.SystemConfig
	Store    *runstore.Store
	Bus      bus.Bus
	Gate     *approval.Gate
	Pool     *worker.Pool
	Company  *agents.Company
	Meetings *meeting.Coordinator
	Tickets  *ticket.Manager
	Reporter *report.Reporter
}

// New assembles an engine. The context passed to Start scopes every
// driver the engine spawns.
func New(deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Config == nil:
		return nil, core.ErrValidation(core.CodeInvalidConfig, "engine needs a system config")
	case deps.Store == nil, deps.Bus == nil, deps.Gate == nil, deps.Pool == nil,
		deps.Company == nil, deps.Meetings == nil, deps.Tickets == nil, deps.Reporter == nil:
		return nil, core.ErrValidation(core.CodeInvalidConfig, "engine is missing a required dependency")
	}

	e := &Engine{
		cfg:        deps.Config,
		store:      deps.Store,
		bus:        deps.Bus,
		gate:       deps.Gate,
		pool:       deps.Pool,
		company:    deps.Company,
		meetings:   deps.Meetings,
		tickets:    deps.Tickets,
		reporter:   deps.Reporter,
		planner:    meeting.NewPipelinePlanner(nil),
		quality:    quality.NewGate(),
		clock:      core.SystemClock(),
		logger:     logging.NewNop(),
		reopen:     ReopenMostRecent,
		maxRetries: DefaultMaxTaskRetries,
		workspaces: "workspaces",
		sessions:   make(map[core.WorkflowID]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start scopes the engine's drivers to ctx. It must be called before
// StartWorkflow or RestoreWorkflows.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.root != nil {
		return
	}
	e.root, e.stop = context.WithCancel(ctx)
}

// StartWorkflow creates a workflow in the proposal phase and spawns its
// driver. The returned workflow is a snapshot.
func (e *Engine) StartWorkflow(instruction, projectID string) (*core.Workflow, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, core.ErrValidation(core.CodeEmptyInstruction, "instruction cannot be empty")
	}
	if len(instruction) > core.MaxInstructionLength {
		return nil, core.ErrValidation(core.CodeInstructionTooLong,
			fmt.Sprintf("instruction length %d exceeds %d", len(instruction), core.MaxInstructionLength))
	}
	if projectID == "" {
		return nil, core.ErrValidation(core.CodeInvalidMessage, "projectId cannot be empty")
	}

	e.mu.Lock()
	if e.root == nil || e.closed {
		e.mu.Unlock()
		return nil, core.ErrUnavailable(core.CodeWorkerUnavailable, "engine is not running")
	}
	// Duplicate-run guard: identical live instruction for the same project.
	for _, s := range e.sessions {
		s.mu.Lock()
		dup := !s.wf.IsTerminal() && s.wf.ProjectID == projectID && s.wf.Instruction == instruction
		s.mu.Unlock()
		if dup {
			e.mu.Unlock()
			return nil, core.ErrConflict(core.CodeDuplicateRun,
				"an identical workflow is already running for this project")
		}
	}

	now := e.clock.Now().UTC()
	wf := core.NewWorkflow(core.NewWorkflowID(), core.NewRunID(now), projectID, instruction, now)
	if err := e.store.CreateRun(&core.RunTask{
		RunID:       wf.RunID,
		WorkflowID:  wf.WorkflowID,
		ProjectID:   projectID,
		Instruction: instruction,
		CreatedAt:   now,
	}); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := e.store.SaveWorkflow(wf.RunID, wf); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	s := e.newSessionLocked(wf)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.WorkflowsStarted.Inc()
		e.metrics.RunningWorkflows.Inc()
	}
	e.publish(events.NewWorkflowStartedEvent(string(wf.WorkflowID), wf.RunID, projectID, instruction))
	e.logger.Info("workflow started",
		"workflow", wf.WorkflowID, "run", wf.RunID, "project", projectID)

	return s.snapshot(), nil
}

// newSessionLocked registers a session and spawns its driver. Caller
// holds e.mu.
func (e *Engine) newSessionLocked(wf *core.Workflow) *session {
	ctx, cancel := context.WithCancel(e.root)
	s := &session{
		wf:          wf,
		cancel:      cancel,
		escalations: make(chan core.EscalationDecision, 1),
		exec:        core.NewExecutionState(wf.RunID),
		version:     1,
		started:     e.clock.Now(),
	}
	// A restored run picks its snapshot back up where it was saved.
	if st, err := e.store.LoadExecutionState(wf.RunID); err == nil {
		s.exec = st
	}
	s.review = review.NewWorkflow(wf.RunID, e.store,
		review.WithReviewClock(e.clock),
		review.WithReviewLogger(e.logger),
		review.WithMergeHook(e.mergeHook(wf.ProjectID)),
	)
	e.sessions[wf.WorkflowID] = s

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(ctx, s)
	}()
	return s
}

// mergeHook folds an approved work branch into the integration branch
// when a VCS capability is wired.
func (e *Engine) mergeHook(projectID string) review.MergeHook {
	return func(ctx context.Context, req review.Request) error {
		if e.vcs == nil || req.Branch == "" {
			return nil
		}
		_, err := e.vcs.Merge(ctx, e.projectDir(projectID), req.Branch, e.cfg.IntegrationBranch)
		return err
	}
}

func (e *Engine) projectDir(projectID string) string {
	return e.workspaces + "/" + projectID
}

// GetWorkflowState returns a snapshot of a live workflow, falling back
// to the persisted copy for finished ones.
func (e *Engine) GetWorkflowState(wfID core.WorkflowID) (*core.Workflow, error) {
	e.mu.Lock()
	s, ok := e.sessions[wfID]
	e.mu.Unlock()
	if ok {
		return s.snapshot(), nil
	}
	return e.loadStored(wfID)
}

func (e *Engine) loadStored(wfID core.WorkflowID) (*core.Workflow, error) {
	infos, err := e.store.ListRuns()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.WorkflowID == wfID {
			return e.store.LoadWorkflow(info.RunID)
		}
	}
	return nil, core.ErrNotFound("workflow", string(wfID))
}

// ListWorkflows summarizes every known run, optionally filtered by
// status. Live sessions take precedence over their stored copies.
func (e *Engine) ListWorkflows(statusFilter core.WorkflowStatus) ([]core.RunInfo, error) {
	infos, err := e.store.ListRuns()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	for i, info := range infos {
		if s, ok := e.sessions[info.WorkflowID]; ok {
			s.mu.Lock()
			infos[i].Status = s.wf.Status
			infos[i].UpdatedAt = s.wf.UpdatedAt
			s.mu.Unlock()
		}
	}
	e.mu.Unlock()

	if statusFilter == "" {
		return infos, nil
	}
	filtered := infos[:0]
	for _, info := range infos {
		if info.Status == statusFilter {
			filtered = append(filtered, info)
		}
	}
	return filtered, nil
}

// SubmitDecision resolves the workflow's pending approval.
func (e *Engine) SubmitDecision(wfID core.WorkflowID, d core.Decision) error {
	if err := e.gate.SubmitDecision(wfID, d); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.PendingApprovals.Set(float64(len(e.gate.PendingAll())))
	}
	e.publish(events.NewApprovalDecidedEvent(string(wfID), string(d.Phase), string(d.Action)))
	return nil
}

// HandleEscalation resolves the workflow's pending escalation.
func (e *Engine) HandleEscalation(wfID core.WorkflowID, d core.EscalationDecision) error {
	if err := d.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	s, ok := e.sessions[wfID]
	e.mu.Unlock()
	if !ok {
		return core.ErrNotFound("workflow", string(wfID))
	}

	s.mu.Lock()
	pending := s.wf.Escalation != nil
	s.mu.Unlock()
	if !pending {
		return core.ErrConflict(core.CodeNoEscalation,
			fmt.Sprintf("workflow %s has no pending escalation", wfID))
	}

	select {
	case s.escalations <- d:
		return nil
	default:
		return core.ErrConflict(core.CodeNoEscalation,
			fmt.Sprintf("escalation for workflow %s is already being resolved", wfID))
	}
}

// RollbackToPhase moves a non-terminal workflow to a strictly earlier
// phase. A pending approval is cancelled so the driver re-enters its
// loop at the new phase.
func (e *Engine) RollbackToPhase(wfID core.WorkflowID, target core.Phase) error {
	e.mu.Lock()
	s, ok := e.sessions[wfID]
	e.mu.Unlock()
	if !ok {
		return core.ErrNotFound("workflow", string(wfID))
	}

	s.mu.Lock()
	from := s.wf.CurrentPhase
	err := s.wf.Rollback(target, "rollback requested by operator", e.clock.Now().UTC())
	if err == nil {
		s.wf.Escalation = nil
		if core.PhaseOrder(target) <= core.PhaseOrder(core.PhaseDevelopment) {
			s.wf.QualityResults = nil
			s.wf.Deliverable = nil
		}
		if target == core.PhaseProposal {
			s.wf.Progress = nil
		}
		err = e.persistLocked(s)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	// Release a driver parked on the approval gate.
	if cancelErr := e.gate.CancelApproval(wfID, "rollback"); cancelErr == nil {
		if e.metrics != nil {
			e.metrics.PendingApprovals.Set(float64(len(e.gate.PendingAll())))
		}
	}

	e.publish(events.NewPhaseTransitionEvent(string(wfID), string(from), string(target), "rollback"))
	e.logger.Info("workflow rolled back", "workflow", wfID, "target", target)
	return nil
}

// TerminateWorkflow sets the termination flag; the driver observes it
// at its next suspension point and persists the terminal state.
func (e *Engine) TerminateWorkflow(wfID core.WorkflowID, reason string) error {
	e.mu.Lock()
	s, ok := e.sessions[wfID]
	e.mu.Unlock()
	if !ok {
		return core.ErrNotFound("workflow", string(wfID))
	}
	if reason == "" {
		reason = "terminated by operator"
	}

	s.termReason.Store(reason)
	s.terminate.Store(true)
	_ = e.gate.CancelApproval(wfID, "workflow terminated")
	s.cancel()

	e.logger.Info("workflow termination requested", "workflow", wfID, "reason", reason)
	return nil
}

// RestoreWorkflows reloads every non-terminal run from disk and spawns
// a driver for each. Terminal runs are left untouched.
func (e *Engine) RestoreWorkflows() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.root == nil || e.closed {
		return 0, core.ErrUnavailable(core.CodeWorkerUnavailable, "engine is not running")
	}

	infos, err := e.store.ListRuns()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, info := range infos {
		if _, live := e.sessions[info.WorkflowID]; live {
			continue
		}
		wf, err := e.store.LoadWorkflow(info.RunID)
		if err != nil {
			e.logger.Warn("skipping unreadable run during restore", "run", info.RunID, "error", err)
			continue
		}
		if wf.IsTerminal() {
			continue
		}
		// A workflow that was parked on an approval resumes from running;
		// the driver re-requests the approval itself. One parked on an
		// escalation stays waiting_approval: the development loop
		// re-awaits the principal's decision.
		if wf.Status == core.WorkflowStatusWaitingApproval && wf.Escalation == nil {
			if err := wf.ResumeRunning(e.clock.Now().UTC()); err != nil {
				continue
			}
		}
		s := e.newSessionLocked(wf)
		s.version = 1 + len(wf.ApprovalDecisions)
		restored++
		if e.metrics != nil {
			e.metrics.RunningWorkflows.Inc()
		}
		e.logger.Info("workflow restored", "workflow", wf.WorkflowID, "run", wf.RunID, "phase", wf.CurrentPhase)
	}
	return restored, nil
}

// PendingApprovals exposes the gate's waiting entries.
func (e *Engine) PendingApprovals() []approval.Pending {
	return e.gate.PendingAll()
}

// Sweep runs one maintenance pass: stalled-worker eviction, retention
// GC of old terminal runs, and gauge refresh.
func (e *Engine) Sweep(ctx context.Context) {
	evicted := e.pool.SweepStalled(ctx)
	for _, id := range evicted {
		e.company.StopWorker(id)
		e.publish(events.NewWorkerEvictedEvent("", id, "stalled"))
	}

	if e.cfg.StateRetentionDays > 0 {
		retention := time.Duration(e.cfg.StateRetentionDays) * 24 * time.Hour
		if _, err := e.store.Sweep(retention); err != nil {
			e.logger.Warn("retention sweep failed", "error", err)
		}
	}

	if e.metrics != nil {
		e.metrics.ActiveWorkers.Set(float64(e.pool.Len()))
		e.metrics.PendingApprovals.Set(float64(len(e.gate.PendingAll())))
	}
}

// RunSweeper loops Sweep until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Sweep(ctx)
		}
	}
}

// Shutdown stops accepting work, cancels every driver, and waits for
// them to persist their final state or ctx to lapse.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stop := e.stop
	e.mu.Unlock()

	if stop != nil {
		stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.pool.Shutdown(ctx)
}

// persistLocked saves the session's workflow. Caller holds s.mu.
func (e *Engine) persistLocked(s *session) error {
	return e.store.SaveWorkflow(s.wf.RunID, s.wf)
}

// publish sends an event when an event bus is attached.
func (e *Engine) publish(ev events.Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}
