package core

import (
	"testing"
	"time"
)

func TestNewProgress(t *testing.T) {
	pr := NewProgress(testProposal())
	if len(pr.Subtasks) != 3 || len(pr.Order) != 3 {
		t.Fatalf("expected 3 subtasks, got %d/%d", len(pr.Subtasks), len(pr.Order))
	}
	s, err := pr.Get("t2")
	if err != nil {
		t.Fatalf("get t2: %v", err)
	}
	if s.Status != SubtaskPending || s.WorkerType != WorkerTypeDeveloper {
		t.Fatalf("unexpected initial subtask: %+v", s)
	}
	if _, err := pr.Get("t9"); err == nil {
		t.Fatalf("expected error for unknown subtask")
	}
}

func TestProgress_ReadyFollowsDependencies(t *testing.T) {
	p := testProposal()
	pr := NewProgress(p)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	ready := pr.Ready(p)
	if len(ready) != 1 || ready[0] != "t1" {
		t.Fatalf("expected only t1 ready, got %v", ready)
	}

	pr.Subtasks["t1"].MarkCompleted(now, nil, "")
	pr.Subtasks["t1"].ReviewStatus = ReviewApproved
	ready = pr.Ready(p)
	if len(ready) != 1 || ready[0] != "t2" {
		t.Fatalf("expected t2 ready after t1, got %v", ready)
	}

	// A skipped dependency unblocks dependents too.
	pr.Subtasks["t2"].MarkSkipped(now)
	ready = pr.Ready(p)
	if len(ready) != 1 || ready[0] != "t3" {
		t.Fatalf("expected t3 ready after skip, got %v", ready)
	}
}

func TestProgress_AllDoneNeedsApprovedReviews(t *testing.T) {
	p := testProposal()
	pr := NewProgress(p)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for _, id := range pr.Order {
		pr.Subtasks[id].MarkCompleted(now, nil, "")
	}
	if pr.AllDone() {
		t.Fatalf("workflows with pending reviews are not done")
	}
	for _, id := range pr.Order {
		pr.Subtasks[id].ReviewStatus = ReviewApproved
	}
	if !pr.AllDone() {
		t.Fatalf("expected all done")
	}
}

func TestSubtask_FailureCountsRetries(t *testing.T) {
	s := &SubtaskProgress{ID: "t1", Status: SubtaskRunning}
	s.MarkFailed("tests crashed")
	if s.Retries != 1 || s.Status != SubtaskFailed {
		t.Fatalf("unexpected state after failure: %+v", s)
	}
	s.ResetForRetry()
	if s.Status != SubtaskPending || s.Retries != 1 {
		t.Fatalf("retry reset must keep the counter: %+v", s)
	}

	// Review rejection reopens without burning a retry.
	s.MarkRunning(time.Now())
	s.MarkCompleted(time.Now(), []string{"main.go"}, "feature/t1")
	s.Reopen("missing error handling")
	if s.Retries != 1 {
		t.Fatalf("reopen must not count as a retry: %+v", s)
	}
	if s.Status != SubtaskPending || len(s.Feedback) != 2 {
		t.Fatalf("unexpected reopened state: %+v", s)
	}
}

func TestProgress_MostRecentlyCompleted(t *testing.T) {
	p := testProposal()
	pr := NewProgress(p)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if pr.MostRecentlyCompleted() != "" {
		t.Fatalf("expected empty with nothing completed")
	}
	pr.Subtasks["t1"].MarkCompleted(base, nil, "")
	pr.Subtasks["t3"].MarkCompleted(base.Add(2*time.Minute), nil, "")
	pr.Subtasks["t2"].MarkCompleted(base.Add(time.Minute), nil, "")
	if got := pr.MostRecentlyCompleted(); got != "t3" {
		t.Fatalf("expected t3, got %s", got)
	}
}

func TestProgress_InFlight(t *testing.T) {
	p := testProposal()
	pr := NewProgress(p)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	pr.Subtasks["t1"].MarkAssigned("dev-1")
	pr.Subtasks["t2"].MarkRunning(now)
	pr.Subtasks["t3"].MarkCompleted(now, nil, "")

	got := pr.InFlight()
	if len(got) != 3 {
		t.Fatalf("expected 3 in flight (incl. pending review), got %v", got)
	}
	pr.Subtasks["t3"].ReviewStatus = ReviewApproved
	if got := pr.InFlight(); len(got) != 2 {
		t.Fatalf("expected 2 in flight after review, got %v", got)
	}
}

func TestProgress_Validate(t *testing.T) {
	pr := NewProgress(testProposal())
	if err := pr.Validate(); err != nil {
		t.Fatalf("valid progress rejected: %v", err)
	}
	pr.Order = append(pr.Order, "ghost")
	if err := pr.Validate(); err == nil {
		t.Fatalf("expected error for order/map mismatch")
	}
}
