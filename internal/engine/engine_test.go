package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
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
	"github.com/agentcompany/agentcompany/internal/quality"
	"github.com/agentcompany/agentcompany/internal/report"
	"github.com/agentcompany/agentcompany/internal/review"
	"github.com/agentcompany/agentcompany/internal/runstore"
	"github.com/agentcompany/agentcompany/internal/testutil"
	"github.com/agentcompany/agentcompany/internal/ticket"
	"github.com/agentcompany/agentcompany/internal/worker"
)

// scriptedGate fails the first n quality commands, then passes.
type scriptedGate struct {
	mu       sync.Mutex
	failures int
}

func (g *scriptedGate) Run(_ context.Context, _, _ string, _ ...string) (*quality.CommandOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures != 0 {
		if g.failures > 0 {
			g.failures--
		}
		return &quality.CommandOutput{ExitCode: 1, Stderr: "lint: unused variable in handlers.go"}, nil
	}
	return &quality.CommandOutput{ExitCode: 0, Stdout: "ok"}, nil
}

type harness struct {
	engine *Engine
	gate   *approval.Gate
	store  *runstore.Store
	vcs    *testutil.RecorderVCS
}

func buildEngine(t *testing.T, store *runstore.Store, chat *testutil.ScriptedChat, gateRunner quality.CommandRunner, opts ...Option) *harness {
	t.Helper()

	b := bus.NewMemoryBus()
	gate := approval.NewGate()
	pool := worker.NewPool(4)
	runner := worker.NewRunner(chat, nil)
	company := agents.NewCompany(b, chat, runner,
		agents.WithCompanyPollWindow(20*time.Millisecond))
	meetings := meeting.NewCoordinator(b, store,
		meeting.WithRoundWindow(300*time.Millisecond))
	vcs := testutil.NewRecorderVCS()

	eng, err := New(Deps{
		Config:   config.DefaultSystemConfig(),
		Store:    store,
		Bus:      b,
		Gate:     gate,
		Pool:     pool,
		Company:  company,
		Meetings: meetings,
		Tickets:  ticket.NewManager(),
		Reporter: report.New(store),
	}, append([]Option{
		WithQualityGate(quality.NewGate(quality.WithCommandRunner(gateRunner))),
		WithVCS(vcs),
		WithWorkspacesDir(t.TempDir()),
	}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	company.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := eng.Shutdown(sctx); err != nil {
			t.Logf("shutdown: %v", err)
		}
		company.Stop()
		cancel()
		_ = b.Close()
	})

	return &harness{engine: eng, gate: gate, store: store, vcs: vcs}
}

func newHarness(t *testing.T, chat *testutil.ScriptedChat, gateRunner quality.CommandRunner, opts ...Option) *harness {
	t.Helper()
	return buildEngine(t, runstore.New(filepath.Join(t.TempDir(), "runs")), chat, gateRunner, opts...)
}

func awaitPending(t *testing.T, h *harness, wfID core.WorkflowID, phase core.Phase) approval.Pending {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := h.gate.PendingFor(wfID); ok && p.Phase == phase {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no pending approval for %s in phase %s", wfID, phase)
	return approval.Pending{}
}

func awaitStatus(t *testing.T, h *harness, wfID core.WorkflowID, want core.WorkflowStatus) *core.Workflow {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := h.engine.GetWorkflowState(wfID)
		if err == nil && wf.Status == want {
			return wf
		}
		time.Sleep(10 * time.Millisecond)
	}
	wf, err := h.engine.GetWorkflowState(wfID)
	t.Fatalf("workflow %s never reached %s (now %+v, err %v)", wfID, want, wf, err)
	return nil
}

func awaitEscalationRaised(t *testing.T, h *harness, wfID core.WorkflowID) *core.Escalation {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := h.engine.GetWorkflowState(wfID)
		if err == nil && wf.Escalation != nil {
			return wf.Escalation
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s never raised an escalation", wfID)
	return nil
}

func decide(t *testing.T, h *harness, wfID core.WorkflowID, action core.ApprovalAction, feedback string) {
	t.Helper()
	if err := h.engine.SubmitDecision(wfID, core.Decision{
		Action: action, Feedback: feedback, DecidedBy: "principal",
	}); err != nil {
		t.Fatalf("SubmitDecision(%s): %v", action, err)
	}
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	wf, err := h.engine.StartWorkflow("Implement login rate limiting for the public API", "proj-001")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	p := awaitPending(t, h, wfID, core.PhaseApproval)
	if !strings.Contains(p.Content, "Proposal") {
		t.Fatalf("approval content looks wrong: %q", p.Content)
	}
	decide(t, h, wfID, core.ApprovalApprove, "")

	awaitPending(t, h, wfID, core.PhaseDelivery)
	decide(t, h, wfID, core.ApprovalApprove, "")

	final := awaitStatus(t, h, wfID, core.WorkflowStatusCompleted)
	if final.CurrentPhase != core.PhaseDelivery {
		t.Fatalf("final phase = %s", final.CurrentPhase)
	}
	if err := final.Validate(); err != nil {
		t.Fatalf("final workflow invalid: %v", err)
	}
	if final.Progress == nil || !final.Progress.AllDone() {
		t.Fatalf("progress not finished: %+v", final.Progress)
	}
	for id, sub := range final.Progress.Subtasks {
		if sub.ReviewStatus != core.ReviewApproved {
			t.Fatalf("subtask %s review status = %s", id, sub.ReviewStatus)
		}
	}
	if !final.QualityResults.Passed() {
		t.Fatalf("quality results = %+v", final.QualityResults)
	}
	if final.Deliverable == nil || len(final.Deliverable.Changes) == 0 {
		t.Fatalf("deliverable missing: %+v", final.Deliverable)
	}
	if len(h.vcs.Merges()) == 0 {
		t.Fatal("no integration merges recorded")
	}

	data, err := os.ReadFile(filepath.Join(h.store.RunDir(final.RunID), report.Filename))
	if err != nil {
		t.Fatalf("final report missing: %v", err)
	}
	if !strings.Contains(string(data), "# 実行レポート: "+final.RunID) {
		t.Fatal("report heading missing")
	}

	// Reviews were logged for every subtask.
	log, err := os.ReadFile(filepath.Join(h.store.RunDir(final.RunID), review.LogName))
	if err != nil {
		t.Fatalf("reviews.log missing: %v", err)
	}
	if !strings.Contains(string(log), "[APPROVE]") {
		t.Fatal("reviews.log has no approvals")
	}
}

func TestProposalRevisionLoop(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	wf, err := h.engine.StartWorkflow("Add CSV export to the billing report", "proj-002")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	decide(t, h, wfID, core.ApprovalRequestRevision, "split export and formatting into separate tasks")

	// The driver loops back to proposal and files a fresh approval.
	deadline := time.Now().Add(20 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("revised proposal never reached the gate")
		}
		state, err := h.engine.GetWorkflowState(wfID)
		if err == nil && len(state.ApprovalDecisions) == 1 {
			if _, ok := h.gate.PendingFor(wfID); ok {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	state, err := h.engine.GetWorkflowState(wfID)
	if err != nil {
		t.Fatalf("GetWorkflowState: %v", err)
	}
	sawReturn := false
	for _, tr := range state.PhaseHistory {
		if tr.From == core.PhaseApproval && tr.To == core.PhaseProposal {
			sawReturn = true
		}
	}
	if !sawReturn {
		t.Fatalf("phase history missing approval->proposal: %+v", state.PhaseHistory)
	}

	proposal, err := h.store.LoadProposal(state.RunID)
	if err != nil {
		t.Fatalf("LoadProposal: %v", err)
	}
	if proposal.Version != 2 {
		t.Fatalf("revised proposal version = %d, want 2", proposal.Version)
	}

	if err := h.engine.TerminateWorkflow(wfID, "test over"); err != nil {
		t.Fatalf("TerminateWorkflow: %v", err)
	}
	awaitStatus(t, h, wfID, core.WorkflowStatusTerminated)
}

func TestProposalRejectTerminates(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	wf, err := h.engine.StartWorkflow("Migrate sessions to Redis", "proj-003")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	awaitPending(t, h, wf.WorkflowID, core.PhaseApproval)
	decide(t, h, wf.WorkflowID, core.ApprovalReject, "out of scope this quarter")

	final := awaitStatus(t, h, wf.WorkflowID, core.WorkflowStatusTerminated)
	found := false
	for _, e := range final.ErrorLog {
		if strings.Contains(e.Message, "proposal rejected") {
			found = true
		}
	}
	if !found {
		t.Fatalf("error log missing rejection: %+v", final.ErrorLog)
	}
}

func TestEscalationAbortRecordsExactEntry(t *testing.T) {
	chat := testutil.NewScriptedChat().WithError(testutil.ErrTest)
	h := newHarness(t, chat, &scriptedGate{}, WithMaxTaskRetries(1))

	wf, err := h.engine.StartWorkflow("Fix the flaky import pipeline", "proj-004")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	decide(t, h, wfID, core.ApprovalApprove, "")

	esc := awaitEscalationRaised(t, h, wfID)
	if esc.RetryCount < 1 {
		t.Fatalf("escalation retry count = %d", esc.RetryCount)
	}
	if err := h.engine.HandleEscalation(wfID, core.EscalationDecision{
		Action: core.EscalationAbort, DecidedBy: "principal",
	}); err != nil {
		t.Fatalf("HandleEscalation: %v", err)
	}

	final := awaitStatus(t, h, wfID, core.WorkflowStatusTerminated)
	found := false
	for _, e := range final.ErrorLog {
		if e.Message == "エスカレーション対応: abort" {
			found = true
		}
	}
	if !found {
		t.Fatalf("error log missing abort entry: %+v", final.ErrorLog)
	}
	if final.Escalation != nil {
		t.Fatalf("escalation not cleared: %+v", final.Escalation)
	}
}

func TestEscalationSkipKeepsWorkflowMoving(t *testing.T) {
	chat := testutil.NewScriptedChat().WithError(testutil.ErrTest)
	h := newHarness(t, chat, &scriptedGate{}, WithMaxTaskRetries(1))

	wf, err := h.engine.StartWorkflow("Refactor the notification fan-out", "proj-005")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	decide(t, h, wfID, core.ApprovalApprove, "")

	// Every subtask fails; skip each escalation until delivery is reached.
	deadline := time.Now().Add(30 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("delivery approval never arrived")
		}
		if p, ok := h.gate.PendingFor(wfID); ok && p.Phase == core.PhaseDelivery {
			break
		}
		state, err := h.engine.GetWorkflowState(wfID)
		if err == nil && state.Escalation != nil {
			if err := h.engine.HandleEscalation(wfID, core.EscalationDecision{
				Action: core.EscalationSkip, DecidedBy: "principal",
			}); err != nil {
				t.Logf("HandleEscalation: %v", err)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	decide(t, h, wfID, core.ApprovalApprove, "")
	final := awaitStatus(t, h, wfID, core.WorkflowStatusCompleted)
	for id, sub := range final.Progress.Subtasks {
		if sub.Status != core.SubtaskSkipped {
			t.Fatalf("subtask %s status = %s, want skipped", id, sub.Status)
		}
		if sub.CompletedAt == nil {
			t.Fatalf("skipped subtask %s has no completion time", id)
		}
	}
}

func TestQualityGateFailureReopensDevelopment(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{failures: 1})

	wf, err := h.engine.StartWorkflow("Harden webhook signature validation", "proj-006")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	decide(t, h, wfID, core.ApprovalApprove, "")
	awaitPending(t, h, wfID, core.PhaseDelivery)
	decide(t, h, wfID, core.ApprovalApprove, "")

	final := awaitStatus(t, h, wfID, core.WorkflowStatusCompleted)

	reopened := false
	for _, tr := range final.PhaseHistory {
		if tr.From == core.PhaseQualityAssurance && tr.To == core.PhaseDevelopment {
			reopened = true
		}
	}
	if !reopened {
		t.Fatalf("phase history missing QA->development rollback: %+v", final.PhaseHistory)
	}
	withFeedback := false
	for _, sub := range final.Progress.Subtasks {
		for _, f := range sub.Feedback {
			if strings.Contains(f, "lint failed") {
				withFeedback = true
			}
		}
	}
	if !withFeedback {
		t.Fatal("no subtask carries the gate feedback")
	}
	if !final.QualityResults.Passed() {
		t.Fatalf("final quality results = %+v", final.QualityResults)
	}
}

func TestQualityGateExhaustionFailsWorkflow(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{failures: -1})

	wf, err := h.engine.StartWorkflow("Tighten retry backoff in the sync job", "proj-007")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	decide(t, h, wfID, core.ApprovalApprove, "")

	final := awaitStatus(t, h, wfID, core.WorkflowStatusFailed)
	found := false
	for _, e := range final.ErrorLog {
		if strings.Contains(e.Message, "quality gate failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("error log missing gate exhaustion: %+v", final.ErrorLog)
	}
}

func TestDriverPanicFailsWorkflowWithDump(t *testing.T) {
	dumpDir := filepath.Join(t.TempDir(), "crashdumps")
	dumps := diagnostics.NewCrashDumpWriter(dumpDir, 5, true, false, logging.NewNop().Logger, nil)

	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{},
		WithCrashDumps(dumps),
		WithPlanner(func(string, []string, *core.MeetingMinutes, int) (*core.Proposal, error) {
			panic("planner exploded")
		}))

	wf, err := h.engine.StartWorkflow("Migrate session storage to the new cache", "proj-012")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	final := awaitStatus(t, h, wf.WorkflowID, core.WorkflowStatusFailed)
	found := false
	for _, e := range final.ErrorLog {
		if strings.Contains(e.Message, "DRIVER_PANIC") && strings.Contains(e.Message, "planner exploded") {
			found = true
		}
	}
	if !found {
		t.Fatalf("error log missing panic entry: %+v", final.ErrorLog)
	}

	entries, err := os.ReadDir(dumpDir)
	if err != nil {
		t.Fatalf("reading dump dir: %v", err)
	}
	dumped := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "crash-") && strings.HasSuffix(e.Name(), ".json") {
			dumped = true
		}
	}
	if !dumped {
		t.Fatal("no crash dump written")
	}
}

func TestRollbackDuringApprovalReplans(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	wf, err := h.engine.StartWorkflow("Add health endpoint for the ingest service", "proj-008")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	if err := h.engine.RollbackToPhase(wfID, core.PhaseProposal); err != nil {
		t.Fatalf("RollbackToPhase: %v", err)
	}

	// The parked driver is released and files a fresh approval.
	deadline := time.Now().Add(20 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no approval after rollback")
		}
		state, err := h.engine.GetWorkflowState(wfID)
		if err == nil && len(state.MeetingMinutesIDs) >= 2 {
			if p, ok := h.gate.PendingFor(wfID); ok && p.Phase == core.PhaseApproval {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	state, err := h.engine.GetWorkflowState(wfID)
	if err != nil {
		t.Fatalf("GetWorkflowState: %v", err)
	}
	sawRollback := false
	for _, tr := range state.PhaseHistory {
		if tr.To == core.PhaseProposal && strings.Contains(tr.Reason, "rollback") {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Fatalf("phase history missing rollback entry: %+v", state.PhaseHistory)
	}

	if err := h.engine.TerminateWorkflow(wfID, "test over"); err != nil {
		t.Fatalf("TerminateWorkflow: %v", err)
	}
	awaitStatus(t, h, wfID, core.WorkflowStatusTerminated)
}

func TestTerminateWhileWaitingApproval(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	wf, err := h.engine.StartWorkflow("Archive inactive tenants weekly", "proj-009")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	if err := h.engine.TerminateWorkflow(wfID, "operator stop"); err != nil {
		t.Fatalf("TerminateWorkflow: %v", err)
	}

	final := awaitStatus(t, h, wfID, core.WorkflowStatusTerminated)
	found := false
	for _, e := range final.ErrorLog {
		if strings.Contains(e.Message, "operator stop") {
			found = true
		}
	}
	if !found {
		t.Fatalf("error log missing termination reason: %+v", final.ErrorLog)
	}
	if _, ok := h.gate.PendingFor(wfID); ok {
		t.Fatal("pending approval survived termination")
	}
}

func TestDuplicateRunRejected(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	if _, err := h.engine.StartWorkflow("Rotate the signing keys", "proj-010"); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	_, err := h.engine.StartWorkflow("Rotate the signing keys", "proj-010")
	var de *core.DomainError
	if !errors.As(err, &de) || de.Code != core.CodeDuplicateRun {
		t.Fatalf("duplicate start error = %v", err)
	}

	// Same instruction for another project is fine.
	if _, err := h.engine.StartWorkflow("Rotate the signing keys", "proj-011"); err != nil {
		t.Fatalf("StartWorkflow other project: %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	if _, err := h.engine.StartWorkflow("   ", "proj-012"); err == nil {
		t.Fatal("expected error for blank instruction")
	}
	if _, err := h.engine.StartWorkflow(strings.Repeat("x", core.MaxInstructionLength+1), "proj-012"); err == nil {
		t.Fatal("expected error for oversized instruction")
	}
	if _, err := h.engine.StartWorkflow("valid instruction", ""); err == nil {
		t.Fatal("expected error for empty project id")
	}
}

func TestRestoreResumesParkedApproval(t *testing.T) {
	store := runstore.New(filepath.Join(t.TempDir(), "runs"))
	chat := testutil.NewScriptedChat()

	first := buildEngine(t, store, chat, &scriptedGate{})
	wf, err := first.engine.StartWorkflow("Split the reporting monolith", "proj-013")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID
	awaitPending(t, first, wfID, core.PhaseApproval)

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := first.engine.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	second := buildEngine(t, store, chat, &scriptedGate{})
	n, err := second.engine.RestoreWorkflows()
	if err != nil {
		t.Fatalf("RestoreWorkflows: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d workflows, want 1", n)
	}

	awaitPending(t, second, wfID, core.PhaseApproval)
	decide(t, second, wfID, core.ApprovalApprove, "")
	awaitPending(t, second, wfID, core.PhaseDelivery)
	decide(t, second, wfID, core.ApprovalApprove, "")
	awaitStatus(t, second, wfID, core.WorkflowStatusCompleted)
}

func TestHandleEscalationWithoutPending(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	wf, err := h.engine.StartWorkflow("Tune the cache eviction policy", "proj-014")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	err = h.engine.HandleEscalation(wf.WorkflowID, core.EscalationDecision{Action: core.EscalationSkip})
	var de *core.DomainError
	if !errors.As(err, &de) || de.Code != core.CodeNoEscalation {
		t.Fatalf("error = %v, want NO_ESCALATION", err)
	}

	err = h.engine.HandleEscalation("wf-ffffffff", core.EscalationDecision{Action: core.EscalationRetry})
	if err == nil {
		t.Fatal("expected error for unknown workflow")
	}
}

func TestDispatchProvisionsWorkerSandboxes(t *testing.T) {
	fake := container.NewFakeRuntime()
	var mu sync.Mutex
	var resultsDirs []string
	factory := func(ctx context.Context, workerID, workspace, resultsDir string) (*container.WorkerContainer, error) {
		wc := container.NewWorkerContainer(workerID, fake)
		if err := wc.Create(ctx, container.CreateOptions{
			Image:      "agentcompany-worker:latest",
			Workspace:  workspace,
			ResultsDir: resultsDir,
		}); err != nil {
			return nil, err
		}
		if err := wc.Start(ctx); err != nil {
			return nil, err
		}
		mu.Lock()
		resultsDirs = append(resultsDirs, resultsDir)
		mu.Unlock()
		return wc, nil
	}

	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{}, WithSandboxFactory(factory))

	wf, err := h.engine.StartWorkflow("Containerize the payment batch job", "proj-016")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	decide(t, h, wfID, core.ApprovalApprove, "")
	awaitPending(t, h, wfID, core.PhaseDelivery)
	decide(t, h, wfID, core.ApprovalApprove, "")
	final := awaitStatus(t, h, wfID, core.WorkflowStatusCompleted)

	mu.Lock()
	dirs := append([]string(nil), resultsDirs...)
	mu.Unlock()
	if len(dirs) == 0 {
		t.Fatal("no sandbox was provisioned")
	}
	for _, dir := range dirs {
		if dir != h.store.RunDir(final.RunID) {
			t.Errorf("sandbox results dir = %q, want %q", dir, h.store.RunDir(final.RunID))
		}
	}

	var created, started, removed bool
	for _, call := range fake.Calls() {
		switch {
		case strings.HasPrefix(call, "create acw-worker-"):
			created = true
		case strings.HasPrefix(call, "start acw-worker-"):
			started = true
		case strings.HasPrefix(call, "remove acw-worker-"):
			removed = true
		}
	}
	if !created || !started {
		t.Fatalf("sandbox lifecycle incomplete: %v", fake.Calls())
	}
	if !removed {
		t.Fatalf("released worker kept its container: %v", fake.Calls())
	}
}

func TestSandboxFailureFailsWorkflow(t *testing.T) {
	fake := container.NewFakeRuntime()
	fake.CreateErr = testutil.ErrTest
	factory := func(ctx context.Context, workerID, workspace, resultsDir string) (*container.WorkerContainer, error) {
		wc := container.NewWorkerContainer(workerID, fake)
		if err := wc.Create(ctx, container.CreateOptions{Image: "agentcompany-worker:latest"}); err != nil {
			return nil, err
		}
		return wc, nil
	}

	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{}, WithSandboxFactory(factory))

	wf, err := h.engine.StartWorkflow("Sandbox the data migration", "proj-017")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	awaitPending(t, h, wf.WorkflowID, core.PhaseApproval)
	decide(t, h, wf.WorkflowID, core.ApprovalApprove, "")

	awaitStatus(t, h, wf.WorkflowID, core.WorkflowStatusFailed)
}

func TestRestoreKeepsEscalationParked(t *testing.T) {
	store := runstore.New(filepath.Join(t.TempDir(), "runs"))
	chat := testutil.NewScriptedChat().WithError(testutil.ErrTest)

	first := buildEngine(t, store, chat, &scriptedGate{}, WithMaxTaskRetries(1))
	wf, err := first.engine.StartWorkflow("Repair the ledger reconciliation", "proj-018")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, first, wfID, core.PhaseApproval)
	decide(t, first, wfID, core.ApprovalApprove, "")
	awaitEscalationRaised(t, first, wfID)

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := first.engine.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	second := buildEngine(t, store, chat, &scriptedGate{}, WithMaxTaskRetries(1))
	n, err := second.engine.RestoreWorkflows()
	if err != nil {
		t.Fatalf("RestoreWorkflows: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d workflows, want 1", n)
	}

	// The run must stay parked on the escalation, not resume running.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		state, err := second.engine.GetWorkflowState(wfID)
		if err != nil {
			t.Fatalf("GetWorkflowState: %v", err)
		}
		if state.Status != core.WorkflowStatusWaitingApproval {
			t.Fatalf("status = %s, want waiting_approval", state.Status)
		}
		if state.Escalation == nil {
			t.Fatal("escalation cleared without a decision")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := second.engine.HandleEscalation(wfID, core.EscalationDecision{
		Action: core.EscalationAbort, DecidedBy: "principal",
	}); err != nil {
		t.Fatalf("HandleEscalation: %v", err)
	}
	awaitStatus(t, second, wfID, core.WorkflowStatusTerminated)
}

func TestRollbackEventNamesSourcePhase(t *testing.T) {
	evb := events.New(64)
	t.Cleanup(evb.Close)
	ch := evb.Subscribe(events.TypePhaseTransition)

	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{}, WithEvents(evb))

	wf, err := h.engine.StartWorkflow("Rework the ingest checkpoints", "proj-019")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	if err := h.engine.RollbackToPhase(wfID, core.PhaseProposal); err != nil {
		t.Fatalf("RollbackToPhase: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			pt, ok := ev.(events.PhaseTransitionEvent)
			if !ok || pt.Reason != "rollback" {
				continue
			}
			if pt.From != string(core.PhaseApproval) {
				t.Fatalf("rollback event from = %q, want %q", pt.From, core.PhaseApproval)
			}
			if pt.To != string(core.PhaseProposal) {
				t.Fatalf("rollback event to = %q, want %q", pt.To, core.PhaseProposal)
			}
			if err := h.engine.TerminateWorkflow(wfID, "test over"); err != nil {
				t.Fatalf("TerminateWorkflow: %v", err)
			}
			awaitStatus(t, h, wfID, core.WorkflowStatusTerminated)
			return
		case <-deadline:
			t.Fatal("no rollback transition event")
		}
	}
}

func TestCompletionFilesExecutionRecords(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	wf, err := h.engine.StartWorkflow("Instrument the export scheduler", "proj-020")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	wfID := wf.WorkflowID

	awaitPending(t, h, wfID, core.PhaseApproval)
	decide(t, h, wfID, core.ApprovalApprove, "")
	awaitPending(t, h, wfID, core.PhaseDelivery)
	decide(t, h, wfID, core.ApprovalApprove, "")
	final := awaitStatus(t, h, wfID, core.WorkflowStatusCompleted)

	for id := range final.Progress.Subtasks {
		rec, err := h.store.LoadExecutionResult(final.RunID, id)
		if err != nil {
			t.Fatalf("LoadExecutionResult(%s): %v", id, err)
		}
		if rec.Status != core.ExecutionSuccess {
			t.Errorf("record %s status = %s", id, rec.Status)
		}
		if rec.AgentID == "" {
			t.Errorf("record %s has no agent", id)
		}
		if rec.TokensUsed == 0 {
			t.Errorf("record %s has no token usage", id)
		}
		if rec.EndTime.Before(rec.StartTime) {
			t.Errorf("record %s ends before it starts", id)
		}
	}

	st, err := h.store.LoadExecutionState(final.RunID)
	if err != nil {
		t.Fatalf("LoadExecutionState: %v", err)
	}
	if len(st.WorkerAssignments) != 0 {
		t.Errorf("assignments not cleared: %+v", st.WorkerAssignments)
	}
	if len(st.ConversationHistories) == 0 {
		t.Error("no conversation histories snapshotted")
	}
	if len(st.GitBranches) == 0 {
		t.Error("no git branches snapshotted")
	}
}

func TestListWorkflowsFiltersByStatus(t *testing.T) {
	h := newHarness(t, testutil.NewScriptedChat(), &scriptedGate{})

	wf, err := h.engine.StartWorkflow("Index the audit trail", "proj-015")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	awaitPending(t, h, wf.WorkflowID, core.PhaseApproval)

	waiting, err := h.engine.ListWorkflows(core.WorkflowStatusWaitingApproval)
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(waiting) != 1 || waiting[0].WorkflowID != wf.WorkflowID {
		t.Fatalf("waiting list = %+v", waiting)
	}
	done, err := h.engine.ListWorkflows(core.WorkflowStatusCompleted)
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(done) != 0 {
		t.Fatalf("completed list = %+v", done)
	}
}
