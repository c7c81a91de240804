package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
)

// logRecorder captures appended lines instead of touching disk.
type logRecorder struct {
	runID string
	name  string
	lines []string
	err   error
}

func (r *logRecorder) AppendLog(runID, name, line string) error {
	if r.err != nil {
		return r.err
	}
	r.runID, r.name = runID, name
	r.lines = append(r.lines, line)
	return nil
}

// statusRecorder captures ticket status writes.
type statusRecorder struct {
	calls map[string]core.TicketStatus
}

func (s *statusRecorder) SetStatus(id string, st core.TicketStatus) error {
	if s.calls == nil {
		s.calls = make(map[string]core.TicketStatus)
	}
	s.calls[id] = st
	return nil
}

func devRequest() Request {
	return Request{
		TicketID:  "T1",
		WorkerID:  "worker-1",
		Branch:    "task/T1",
		Artifacts: []string{"api.go"},
		Checklist: "lint,test",
	}
}

func TestWorkflow_RequestAppendsLogLine(t *testing.T) {
	rec := &logRecorder{}
	w := NewWorkflow("run-20250601-120000-ab1cd", rec)

	if err := w.RequestReview(devRequest()); err != nil {
		t.Fatalf("RequestReview: %v", err)
	}
	if rec.runID != "run-20250601-120000-ab1cd" || rec.name != LogName {
		t.Errorf("log target = %s/%s", rec.runID, rec.name)
	}
	want := "[REQUEST] ticket=T1 worker=worker-1 checklist=lint,test"
	if len(rec.lines) != 1 || rec.lines[0] != want {
		t.Errorf("log lines = %q, want [%q]", rec.lines, want)
	}
	if got := w.PendingRequests(); len(got) != 1 || got[0].TicketID != "T1" {
		t.Errorf("pending = %+v", got)
	}
}

func TestWorkflow_RequestValidation(t *testing.T) {
	w := NewWorkflow("run-x", &logRecorder{})
	err := w.RequestReview(Request{TicketID: "T1"})
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Code != "REVIEW_REQUEST_INVALID" {
		t.Fatalf("err = %v, want REVIEW_REQUEST_INVALID", err)
	}
}

func TestWorkflow_ApproveRunsMergeHook(t *testing.T) {
	rec := &logRecorder{}
	var merged []Request
	w := NewWorkflow("run-x", rec, WithMergeHook(func(_ context.Context, r Request) error {
		merged = append(merged, r)
		return nil
	}))
	if err := w.RequestReview(devRequest()); err != nil {
		t.Fatal(err)
	}

	got, err := w.SubmitReview(context.Background(), Decision{
		TicketID: "T1", ReviewerID: "rev-1", Approve: true,
	})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if !got.Approved || got.WorkerID != "worker-1" || got.ReviewerID != "rev-1" {
		t.Errorf("record = %+v", got)
	}
	if want := "[APPROVE] ticket=T1 reviewer=rev-1"; rec.lines[len(rec.lines)-1] != want {
		t.Errorf("log line = %q, want %q", rec.lines[len(rec.lines)-1], want)
	}
	if len(merged) != 1 || merged[0].Branch != "task/T1" {
		t.Errorf("merge hook calls = %+v", merged)
	}
	if len(w.PendingRequests()) != 0 {
		t.Errorf("request still pending after approval")
	}
}

func TestWorkflow_ApproveMergeFailure(t *testing.T) {
	w := NewWorkflow("run-x", &logRecorder{}, WithMergeHook(func(context.Context, Request) error {
		return errors.New("conflict in api.go")
	}))
	if err := w.RequestReview(devRequest()); err != nil {
		t.Fatal(err)
	}

	rec, err := w.SubmitReview(context.Background(), Decision{
		TicketID: "T1", ReviewerID: "rev-1", Approve: true,
	})
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Code != core.CodeTaskFailed {
		t.Fatalf("err = %v, want TASK_FAILED", err)
	}
	if rec == nil || !rec.Approved {
		t.Errorf("record = %+v, approval itself stands", rec)
	}
}

func TestWorkflow_RejectPinsTicketAndCarriesFeedback(t *testing.T) {
	rec := &logRecorder{}
	st := &statusRecorder{}
	w := NewWorkflow("run-x", rec, WithTicketStatus(st))
	if err := w.RequestReview(devRequest()); err != nil {
		t.Fatal(err)
	}

	got, err := w.SubmitReview(context.Background(), Decision{
		TicketID: "T1", ReviewerID: "rev-1", Approve: false, Feedback: "needs edge case tests",
	})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if got.Approved || got.Feedback != "needs edge case tests" {
		t.Errorf("record = %+v", got)
	}
	want := "[REJECT] ticket=T1 reviewer=rev-1 feedback=needs edge case tests"
	if rec.lines[len(rec.lines)-1] != want {
		t.Errorf("log line = %q, want %q", rec.lines[len(rec.lines)-1], want)
	}
	if st.calls["T1"] != core.TicketRevisionRequired {
		t.Errorf("ticket status = %v, want revision_required", st.calls)
	}
}

func TestWorkflow_SubmitWithoutRequest(t *testing.T) {
	w := NewWorkflow("run-x", &logRecorder{})
	_, err := w.SubmitReview(context.Background(), Decision{TicketID: "T9", ReviewerID: "rev-1"})
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Category != core.ErrCatNotFound {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestWorkflow_RefileReplacesRequest(t *testing.T) {
	w := NewWorkflow("run-x", &logRecorder{})
	if err := w.RequestReview(devRequest()); err != nil {
		t.Fatal(err)
	}
	second := devRequest()
	second.WorkerID = "worker-2"
	if err := w.RequestReview(second); err != nil {
		t.Fatal(err)
	}

	got := w.PendingRequests()
	if len(got) != 1 || got[0].WorkerID != "worker-2" {
		t.Errorf("pending = %+v, want replaced request", got)
	}
}

func TestWorkflow_ClearRequests(t *testing.T) {
	w := NewWorkflow("run-x", &logRecorder{})
	for _, id := range []string{"T1", "T2", "T3"} {
		req := devRequest()
		req.TicketID = id
		if err := w.RequestReview(req); err != nil {
			t.Fatal(err)
		}
	}

	w.ClearRequests("T2")
	if got := w.PendingRequests(); len(got) != 2 {
		t.Fatalf("pending after single clear = %+v", got)
	}
	w.ClearRequests("")
	if got := w.PendingRequests(); len(got) != 0 {
		t.Fatalf("pending after full clear = %+v", got)
	}
}

func TestWorkflow_PendingRequestsOldestFirst(t *testing.T) {
	clock := &tickClock{at: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	w := NewWorkflow("run-x", &logRecorder{}, WithReviewClock(clock))

	for _, id := range []string{"T3", "T1", "T2"} {
		req := devRequest()
		req.TicketID = id
		if err := w.RequestReview(req); err != nil {
			t.Fatal(err)
		}
	}

	got := w.PendingRequests()
	want := []string{"T3", "T1", "T2"}
	for i := range want {
		if got[i].TicketID != want[i] {
			t.Fatalf("pending order = %+v, want %v", got, want)
		}
	}
}

type tickClock struct {
	at time.Time
}

func (c *tickClock) Now() time.Time {
	c.at = c.at.Add(time.Second)
	return c.at
}
