//go:build integration

package integration_test

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/engine"
	"github.com/agentcompany/agentcompany/internal/report"
	"github.com/agentcompany/agentcompany/internal/runstore"
	"github.com/agentcompany/agentcompany/internal/testutil"
)

func TestHappyPathDeliversReport(t *testing.T) {
	s := freshStack(t, testutil.NewScriptedChat(), passingGate{})

	wfID := startWorkflow(t, s, "Implement login endpoint", "proj-001")

	awaitApproval(t, s, wfID, core.PhaseApproval)
	decide(t, s, wfID, "approve", "")
	awaitApproval(t, s, wfID, core.PhaseDelivery)
	decide(t, s, wfID, "approve", "")

	final := awaitStatus(t, s, wfID, core.WorkflowStatusCompleted)

	wantOrder := []core.Phase{
		core.PhaseProposal, core.PhaseApproval, core.PhaseDevelopment,
		core.PhaseQualityAssurance, core.PhaseDelivery,
	}
	visited := []core.Phase{core.PhaseProposal}
	for _, tr := range final.PhaseHistory {
		visited = append(visited, tr.To)
	}
	for i, want := range wantOrder {
		if i >= len(visited) || visited[i] != want {
			t.Fatalf("phase order = %v, want prefix %v", visited, wantOrder)
		}
	}
	if final.Deliverable == nil || len(final.Deliverable.Changes) == 0 {
		t.Fatalf("deliverable missing: %+v", final.Deliverable)
	}

	data, err := os.ReadFile(filepath.Join(s.store.RunDir(final.RunID), report.Filename))
	if err != nil {
		t.Fatalf("report missing: %v", err)
	}
	text := string(data)
	for _, section := range []string{
		"# 実行レポート: " + final.RunID,
		"## ステータス",
		"## タイムライン",
		"## 変更点",
		"## 品質ゲート結果",
		"## 会話サマリー",
		"## 成果物",
	} {
		if !strings.Contains(text, section) {
			t.Errorf("report missing section %q", section)
		}
	}
}

func TestApprovalRevisionRegeneratesProposal(t *testing.T) {
	s := freshStack(t, testutil.NewScriptedChat(), passingGate{})

	wfID := startWorkflow(t, s, "Add CSV export to the billing report", "proj-002")

	awaitApproval(t, s, wfID, core.PhaseApproval)
	decide(t, s, wfID, "request_revision", "split parsing and formatting")

	// The driver walks back to proposal and files a fresh approval.
	deadline := time.Now().Add(20 * time.Second)
	var wf *core.Workflow
	for {
		if time.Now().After(deadline) {
			t.Fatal("revised proposal never reached the gate")
		}
		wf = getWorkflow(t, s, wfID)
		if len(wf.ApprovalDecisions) == 1 && wf.CurrentPhase == core.PhaseApproval &&
			wf.Status == core.WorkflowStatusWaitingApproval {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var sawForward, sawReturn int
	for _, tr := range wf.PhaseHistory {
		if tr.From == core.PhaseProposal && tr.To == core.PhaseApproval {
			sawForward++
		}
		if tr.From == core.PhaseApproval && tr.To == core.PhaseProposal {
			sawReturn++
		}
	}
	if sawForward < 2 || sawReturn != 1 {
		t.Fatalf("phase history forward=%d return=%d: %+v", sawForward, sawReturn, wf.PhaseHistory)
	}

	proposal, err := s.store.LoadProposal(wf.RunID)
	if err != nil {
		t.Fatalf("LoadProposal: %v", err)
	}
	if proposal.Version != 2 {
		t.Fatalf("proposal version = %d, want 2", proposal.Version)
	}

	status, _ := request(t, s.ts, http.MethodPost,
		"/api/v1/workflows/"+string(wfID)+"/terminate", map[string]string{"reason": "test over"})
	if status != http.StatusOK {
		t.Fatalf("terminate: status %d", status)
	}
}

func TestRejectTerminatesWithoutDevelopment(t *testing.T) {
	s := freshStack(t, testutil.NewScriptedChat(), passingGate{})

	wfID := startWorkflow(t, s, "Prototype a recommendation widget", "proj-003")

	awaitApproval(t, s, wfID, core.PhaseApproval)
	decide(t, s, wfID, "reject", "out of quarter scope")

	final := awaitStatus(t, s, wfID, core.WorkflowStatusTerminated)
	for _, tr := range final.PhaseHistory {
		if tr.To == core.PhaseDevelopment {
			t.Fatalf("rejected workflow entered development: %+v", final.PhaseHistory)
		}
	}
}

func TestEscalationRetryResetsSubtask(t *testing.T) {
	flaky := &flakyChat{tripped: true}
	chat := testutil.NewScriptedChat().WithResponder(func(core.ChatRequest) (string, error) {
		if flaky.isTripped() {
			return "", testutil.ErrTest
		}
		return "done", nil
	})
	s := freshStack(t, chat, passingGate{}, engine.WithMaxTaskRetries(1))

	wfID := startWorkflow(t, s, "Wire the audit log into retention", "proj-004")

	awaitApproval(t, s, wfID, core.PhaseApproval)
	decide(t, s, wfID, "approve", "")

	wf := awaitEscalation(t, s, wfID)
	if wf.Escalation.RetryCount < 1 {
		t.Fatalf("escalation retries = %d", wf.Escalation.RetryCount)
	}

	flaky.set(false)
	escalate(t, s, wfID, "retry", "transient infra failure")

	// Escalation clears and the retried subtask carries the run forward.
	awaitApproval(t, s, wfID, core.PhaseDelivery)
	wf = getWorkflow(t, s, wfID)
	if wf.Escalation != nil {
		t.Fatalf("escalation not cleared: %+v", wf.Escalation)
	}
	decide(t, s, wfID, "approve", "")
	awaitStatus(t, s, wfID, core.WorkflowStatusCompleted)
}

func TestEscalationAbortRecordsResponse(t *testing.T) {
	chat := testutil.NewScriptedChat().WithError(testutil.ErrTest)
	s := freshStack(t, chat, passingGate{}, engine.WithMaxTaskRetries(1))

	wfID := startWorkflow(t, s, "Migrate avatars to object storage", "proj-005")

	awaitApproval(t, s, wfID, core.PhaseApproval)
	decide(t, s, wfID, "approve", "")

	awaitEscalation(t, s, wfID)
	escalate(t, s, wfID, "abort", "not worth retrying")

	final := awaitStatus(t, s, wfID, core.WorkflowStatusTerminated)
	found := false
	for _, entry := range final.ErrorLog {
		if entry.Message == "エスカレーション対応: abort" {
			found = true
		}
	}
	if !found {
		t.Fatalf("abort entry missing from error log: %+v", final.ErrorLog)
	}
}

func TestRestoreAfterCrashContinuesRun(t *testing.T) {
	runsDir := filepath.Join(t.TempDir(), "runs")
	store := runstore.New(runsDir)

	hold := &flakyChat{}
	release := make(chan struct{})
	chat := testutil.NewScriptedChat().WithResponder(func(core.ChatRequest) (string, error) {
		if hold.isTripped() {
			select {
			case <-release:
			case <-time.After(10 * time.Second):
			}
		}
		return "done", nil
	})

	s1 := newStack(t, store, chat, passingGate{})
	wfID := startWorkflow(t, s1, "Harden the session refresh flow", "proj-006")

	awaitApproval(t, s1, wfID, core.PhaseApproval)
	hold.set(true)
	decide(t, s1, wfID, "approve", "")

	// Wait until the development transition is on disk, then drop the
	// process with the workers still stuck mid-task.
	wf := getWorkflow(t, s1, wfID)
	deadline := time.Now().Add(20 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("development phase never persisted")
		}
		snap, err := store.LoadWorkflow(wf.RunID)
		if err == nil && snap.CurrentPhase == core.PhaseDevelopment {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s1.close(t)
	close(release)

	snapshot, err := store.LoadWorkflow(wf.RunID)
	if err != nil {
		t.Fatalf("LoadWorkflow after crash: %v", err)
	}
	if snapshot.CurrentPhase != core.PhaseDevelopment {
		t.Fatalf("persisted phase = %s, want development", snapshot.CurrentPhase)
	}

	hold.set(false)
	s2 := newStack(t, store, chat, passingGate{})
	restored, err := s2.engine.RestoreWorkflows()
	if err != nil {
		t.Fatalf("RestoreWorkflows: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}

	state := getWorkflow(t, s2, wfID)
	if state.WorkflowID != snapshot.WorkflowID || state.RunID != snapshot.RunID ||
		state.ProjectID != snapshot.ProjectID || state.Instruction != snapshot.Instruction {
		t.Fatalf("restored identity differs: %+v vs %+v", state, snapshot)
	}
	if len(state.PhaseHistory) < len(snapshot.PhaseHistory) {
		t.Fatalf("restored history shorter than snapshot: %d < %d",
			len(state.PhaseHistory), len(snapshot.PhaseHistory))
	}

	awaitApproval(t, s2, wfID, core.PhaseDelivery)
	decide(t, s2, wfID, "approve", "")
	awaitStatus(t, s2, wfID, core.WorkflowStatusCompleted)
}
