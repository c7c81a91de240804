//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/agents"
	"github.com/agentcompany/agentcompany/internal/api"
	"github.com/agentcompany/agentcompany/internal/approval"
	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/engine"
	"github.com/agentcompany/agentcompany/internal/events"
	"github.com/agentcompany/agentcompany/internal/meeting"
	"github.com/agentcompany/agentcompany/internal/quality"
	"github.com/agentcompany/agentcompany/internal/report"
	"github.com/agentcompany/agentcompany/internal/runstore"
	"github.com/agentcompany/agentcompany/internal/testutil"
	"github.com/agentcompany/agentcompany/internal/ticket"
	"github.com/agentcompany/agentcompany/internal/worker"
)

// passingGate is a quality command runner that always succeeds.
type passingGate struct{}

func (passingGate) Run(_ context.Context, _, _ string, _ ...string) (*quality.CommandOutput, error) {
	return &quality.CommandOutput{ExitCode: 0, Stdout: "ok"}, nil
}

// stack is a fully wired engine behind a real HTTP server.
type stack struct {
	engine *engine.Engine
	store  *runstore.Store
	ts     *httptest.Server
	cancel context.CancelFunc
	bus    bus.Bus
	agents *agents.Company
	once   sync.Once
}

// newStack wires the whole system the way serve does, with mock chat,
// a recorded VCS and an in-memory bus, and exposes it over httptest.
func newStack(t *testing.T, store *runstore.Store, chat *testutil.ScriptedChat, gateRunner quality.CommandRunner, opts ...engine.Option) *stack {
	t.Helper()

	b := bus.NewMemoryBus()
	gate := approval.NewGate()
	pool := worker.NewPool(4)
	runner := worker.NewRunner(chat, nil)
	company := agents.NewCompany(b, chat, runner,
		agents.WithCompanyPollWindow(20*time.Millisecond))
	meetings := meeting.NewCoordinator(b, store,
		meeting.WithRoundWindow(300*time.Millisecond))
	evb := events.New(64)

	eng, err := engine.New(engine.Deps{
		Config:   config.DefaultSystemConfig(),
		Store:    store,
		Bus:      b,
		Gate:     gate,
		Pool:     pool,
		Company:  company,
		Meetings: meetings,
		Tickets:  ticket.NewManager(),
		Reporter: report.New(store),
	}, append([]engine.Option{
		engine.WithQualityGate(quality.NewGate(quality.WithCommandRunner(gateRunner))),
		engine.WithVCS(testutil.NewRecorderVCS()),
		engine.WithWorkspacesDir(t.TempDir()),
		engine.WithEvents(evb),
	}, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	company.Start(ctx)

	srv := api.NewServer(eng, evb)
	ts := httptest.NewServer(srv.Handler())

	s := &stack{engine: eng, store: store, ts: ts, cancel: cancel, bus: b, agents: company}
	t.Cleanup(func() { s.close(t) })
	return s
}

func (s *stack) close(t *testing.T) {
	t.Helper()
	s.once.Do(func() {
		s.ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.engine.Shutdown(ctx); err != nil {
			t.Logf("shutdown: %v", err)
		}
		s.agents.Stop()
		s.cancel()
		_ = s.bus.Close()
	})
}

func freshStack(t *testing.T, chat *testutil.ScriptedChat, gateRunner quality.CommandRunner, opts ...engine.Option) *stack {
	t.Helper()
	return newStack(t, runstore.New(filepath.Join(t.TempDir(), "runs")), chat, gateRunner, opts...)
}

func request(t *testing.T, ts *httptest.Server, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

// decodeData unwraps the API's {data} envelope into out.
func decodeData(t *testing.T, body []byte, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, body)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("decode data: %v (%s)", err, envelope.Data)
	}
}

func startWorkflow(t *testing.T, s *stack, instruction, projectID string) core.WorkflowID {
	t.Helper()
	status, body := request(t, s.ts, http.MethodPost, "/api/v1/workflows", map[string]string{
		"instruction": instruction,
		"projectId":   projectID,
	})
	if status != http.StatusCreated {
		t.Fatalf("create workflow: status %d body %s", status, body)
	}
	var wf core.Workflow
	decodeData(t, body, &wf)
	return wf.WorkflowID
}

func getWorkflow(t *testing.T, s *stack, wfID core.WorkflowID) *core.Workflow {
	t.Helper()
	status, body := request(t, s.ts, http.MethodGet, "/api/v1/workflows/"+string(wfID), nil)
	if status != http.StatusOK {
		t.Fatalf("get workflow: status %d body %s", status, body)
	}
	var wf core.Workflow
	decodeData(t, body, &wf)
	return &wf
}

// awaitApproval polls /approvals until the workflow waits in the given phase.
func awaitApproval(t *testing.T, s *stack, wfID core.WorkflowID, phase core.Phase) approval.Pending {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		status, body := request(t, s.ts, http.MethodGet, "/api/v1/approvals", nil)
		if status != http.StatusOK {
			t.Fatalf("list approvals: status %d", status)
		}
		var out struct {
			Approvals []approval.Pending `json:"approvals"`
		}
		decodeData(t, body, &out)
		for _, p := range out.Approvals {
			if p.WorkflowID == wfID && p.Phase == phase {
				return p
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s never reached a pending approval in %s", wfID, phase)
	return approval.Pending{}
}

func decide(t *testing.T, s *stack, wfID core.WorkflowID, action, feedback string) {
	t.Helper()
	status, body := request(t, s.ts, http.MethodPost,
		"/api/v1/workflows/"+string(wfID)+"/decisions", map[string]string{
			"action":    action,
			"feedback":  feedback,
			"decidedBy": "principal",
		})
	if status != http.StatusOK {
		t.Fatalf("decision %s: status %d body %s", action, status, body)
	}
}

func escalate(t *testing.T, s *stack, wfID core.WorkflowID, action, reason string) {
	t.Helper()
	status, body := request(t, s.ts, http.MethodPost,
		"/api/v1/workflows/"+string(wfID)+"/escalations", map[string]string{
			"action":    action,
			"reason":    reason,
			"decidedBy": "principal",
		})
	if status != http.StatusOK {
		t.Fatalf("escalation %s: status %d body %s", action, status, body)
	}
}

func awaitStatus(t *testing.T, s *stack, wfID core.WorkflowID, want core.WorkflowStatus) *core.Workflow {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		wf := getWorkflow(t, s, wfID)
		if wf.Status == want {
			return wf
		}
		time.Sleep(10 * time.Millisecond)
	}
	wf := getWorkflow(t, s, wfID)
	t.Fatalf("workflow %s status %s, want %s", wfID, wf.Status, want)
	return nil
}

func awaitEscalation(t *testing.T, s *stack, wfID core.WorkflowID) *core.Workflow {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		wf := getWorkflow(t, s, wfID)
		if wf.Escalation != nil && wf.Status == core.WorkflowStatusWaitingApproval {
			return wf
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s never raised an escalation", wfID)
	return nil
}

// flakyChat fails task completions while tripped, then recovers.
type flakyChat struct {
	mu      sync.Mutex
	tripped bool
}

func (f *flakyChat) set(tripped bool) {
	f.mu.Lock()
	f.tripped = tripped
	f.mu.Unlock()
}

func (f *flakyChat) isTripped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tripped
}
