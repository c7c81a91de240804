package console

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agentcompany/agentcompany/internal/approval"
	"github.com/agentcompany/agentcompany/internal/core"
)

type fakeClient struct {
	pendings  []approval.Pending
	decideErr error

	decidedWorkflow string
	decidedAction   string
	decidedFeedback string
}

func (f *fakeClient) Approvals() ([]approval.Pending, error) {
	return f.pendings, nil
}

func (f *fakeClient) Decide(workflowID, action, feedback string) error {
	f.decidedWorkflow = workflowID
	f.decidedAction = action
	f.decidedFeedback = feedback
	return f.decideErr
}

func samplePendings() []approval.Pending {
	return []approval.Pending{
		{WorkflowID: "wf-auth", Phase: core.PhaseApproval, Content: "# Proposal\nadd login", CreatedAt: time.Now()},
		{WorkflowID: "wf-billing", Phase: core.PhaseDelivery, Content: "deliverable summary", CreatedAt: time.Now()},
	}
}

func readyModel(t *testing.T, client Client) *Model {
	t.Helper()
	m := New(client)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m.Update(approvalsMsg{items: samplePendings()})
	return m
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestNewDefaults(t *testing.T) {
	m := New(&fakeClient{})
	if m.refresh != DefaultRefreshInterval {
		t.Errorf("refresh = %v, want %v", m.refresh, DefaultRefreshInterval)
	}
	if !m.loading {
		t.Error("new model should start in loading state")
	}
	m2 := New(&fakeClient{}, WithRefreshInterval(time.Second))
	if m2.refresh != time.Second {
		t.Errorf("refresh = %v, want 1s", m2.refresh)
	}
}

func TestSetApprovalsPopulatesList(t *testing.T) {
	m := readyModel(t, &fakeClient{})
	if len(m.visible) != 2 {
		t.Fatalf("visible = %d, want 2", len(m.visible))
	}
	p, ok := m.selected()
	if !ok || p.WorkflowID != "wf-auth" {
		t.Errorf("selected = %+v, want wf-auth", p)
	}
}

func TestCursorMovementStaysInBounds(t *testing.T) {
	m := readyModel(t, &fakeClient{})

	m.Update(key("k"))
	if m.cursor != 0 {
		t.Errorf("cursor = %d after up at top, want 0", m.cursor)
	}

	m.Update(key("j"))
	if p, _ := m.selected(); p.WorkflowID != "wf-billing" {
		t.Errorf("selected = %s, want wf-billing", p.WorkflowID)
	}

	m.Update(key("j"))
	if m.cursor != 1 {
		t.Errorf("cursor = %d after down at bottom, want 1", m.cursor)
	}
}

func TestFilterNarrowsList(t *testing.T) {
	m := readyModel(t, &fakeClient{})

	m.Update(key("/"))
	if m.mode != modeFilter {
		t.Fatal("expected filter mode after /")
	}
	m.Update(key("billing"))
	if len(m.visible) != 1 {
		t.Fatalf("visible = %d after filter, want 1", len(m.visible))
	}
	if p, _ := m.selected(); p.WorkflowID != "wf-billing" {
		t.Errorf("selected = %s, want wf-billing", p.WorkflowID)
	}

	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if m.mode != modeList {
		t.Error("esc should leave filter mode")
	}
	if len(m.visible) != 2 {
		t.Errorf("visible = %d after clearing filter, want 2", len(m.visible))
	}
}

func TestApproveSubmitsDecision(t *testing.T) {
	client := &fakeClient{pendings: samplePendings()}
	m := readyModel(t, client)

	_, cmd := m.Update(key("a"))
	if cmd == nil {
		t.Fatal("approve should return a command")
	}
	msg := cmd()
	dm, ok := msg.(decisionMsg)
	if !ok {
		t.Fatalf("got %T, want decisionMsg", msg)
	}
	if dm.err != nil {
		t.Fatalf("decision error: %v", dm.err)
	}
	if client.decidedWorkflow != "wf-auth" || client.decidedAction != "approve" {
		t.Errorf("decided %s/%s, want wf-auth/approve", client.decidedWorkflow, client.decidedAction)
	}
}

func TestRejectPromptsForFeedback(t *testing.T) {
	client := &fakeClient{pendings: samplePendings()}
	m := readyModel(t, client)

	m.Update(key("x"))
	if m.mode != modeFeedback || m.pendingAction != "reject" {
		t.Fatalf("mode=%v action=%q, want feedback/reject", m.mode, m.pendingAction)
	}

	m.Update(key("scope too large"))
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("enter should submit the decision")
	}
	cmd()

	if client.decidedAction != "reject" {
		t.Errorf("action = %q, want reject", client.decidedAction)
	}
	if client.decidedFeedback != "scope too large" {
		t.Errorf("feedback = %q", client.decidedFeedback)
	}
	if m.mode != modeList {
		t.Error("should return to list mode after submit")
	}
}

func TestFeedbackEscCancels(t *testing.T) {
	client := &fakeClient{pendings: samplePendings()}
	m := readyModel(t, client)

	m.Update(key("v"))
	m.Update(key("half-typed"))
	m.Update(tea.KeyMsg{Type: tea.KeyEsc})

	if m.mode != modeList || m.pendingAction != "" {
		t.Error("esc should cancel the feedback prompt")
	}
	if client.decidedAction != "" {
		t.Error("no decision should have been submitted")
	}
}

func TestDecisionErrorShowsStatus(t *testing.T) {
	m := readyModel(t, &fakeClient{})
	m.Update(decisionMsg{workflowID: "wf-auth", action: "approve", err: errors.New("conflict")})
	if !m.failed || !strings.Contains(m.status, "conflict") {
		t.Errorf("status = %q failed=%v", m.status, m.failed)
	}
}

func TestSelectionSurvivesRefresh(t *testing.T) {
	m := readyModel(t, &fakeClient{})
	m.Update(key("j"))

	refreshed := []approval.Pending{
		{WorkflowID: "wf-new", Phase: core.PhaseApproval, Content: "x", CreatedAt: time.Now()},
		{WorkflowID: "wf-auth", Phase: core.PhaseApproval, Content: "y", CreatedAt: time.Now()},
		{WorkflowID: "wf-billing", Phase: core.PhaseDelivery, Content: "z", CreatedAt: time.Now()},
	}
	m.Update(approvalsMsg{items: refreshed})

	if p, _ := m.selected(); p.WorkflowID != "wf-billing" {
		t.Errorf("selected = %s after refresh, want wf-billing", p.WorkflowID)
	}
}

func TestViewRendersListAndHelp(t *testing.T) {
	m := readyModel(t, &fakeClient{})
	view := m.View()
	if !strings.Contains(view, "wf-auth") {
		t.Error("view should list pending workflows")
	}
	if !strings.Contains(view, "approve") {
		t.Error("view should include the key help line")
	}
}

func TestViewEmptyState(t *testing.T) {
	m := New(&fakeClient{})
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m.Update(approvalsMsg{items: nil})
	if !strings.Contains(m.View(), "No pending approvals") {
		t.Error("view should show the empty state")
	}
}
