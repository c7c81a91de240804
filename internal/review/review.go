// Package review runs the per-subtask code review loop: a worker files
// a request, a reviewer approves or rejects it, and every step lands as
// one line in the run's reviews.log.
package review

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// LogName is the review log file inside the run directory.
const LogName = "reviews.log"

// Request is one filed review.
type Request struct {
	TicketID    string    `json:"ticketId"`
	WorkerID    string    `json:"workerId"`
	Branch      string    `json:"branch,omitempty"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	Checklist   string    `json:"checklist,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Decision is a reviewer's verdict on a filed request.
type Decision struct {
	TicketID   string `json:"ticketId"`
	ReviewerID string `json:"reviewerId"`
	Approve    bool   `json:"approve"`
	Feedback   string `json:"feedback,omitempty"`
}

// LogAppender is the slice of the run store the review loop writes
// through.
type LogAppender interface {
	AppendLog(runID, name, line string) error
}

// StatusSetter pins rejected tickets to revision_required.
type StatusSetter interface {
	SetStatus(id string, status core.TicketStatus) error
}

// MergeHook folds an approved branch into the integration branch.
type MergeHook func(ctx context.Context, req Request) error

// Workflow tracks the pending review requests of one run.
type Workflow struct {
	runID   string
	store   LogAppender
	tickets StatusSetter
	merge   MergeHook
	clock   core.Clock
	logger  *logging.Logger

	mu      sync.Mutex
	pending map[string]*Request
}

// WorkflowOption configures a review Workflow.
type WorkflowOption func(*Workflow)

// WithTicketStatus wires the ticket tree for rejection handling.
func WithTicketStatus(s StatusSetter) WorkflowOption {
	return func(w *Workflow) { w.tickets = s }
}

// WithMergeHook wires the on-approve merge step.
func WithMergeHook(h MergeHook) WorkflowOption {
	return func(w *Workflow) { w.merge = h }
}

// WithReviewClock injects the timestamp source.
func WithReviewClock(c core.Clock) WorkflowOption {
	return func(w *Workflow) { w.clock = c }
}

// WithReviewLogger attaches a logger.
func WithReviewLogger(l *logging.Logger) WorkflowOption {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorkflow creates the review loop for one run.
func NewWorkflow(runID string, store LogAppender, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		runID:   runID,
		store:   store,
		clock:   core.SystemClock(),
		logger:  logging.NewNop(),
		pending: make(map[string]*Request),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RequestReview files a request and appends its log line. Re-filing for
// the same ticket replaces the earlier request, which happens after a
// revision round.
func (w *Workflow) RequestReview(req Request) error {
	if req.TicketID == "" || req.WorkerID == "" {
		return core.ErrValidation("REVIEW_REQUEST_INVALID",
			"review request needs ticketId and workerId")
	}

	line := fmt.Sprintf("[REQUEST] ticket=%s worker=%s", req.TicketID, req.WorkerID)
	if req.Checklist != "" {
		line += " checklist=" + req.Checklist
	}
	if err := w.store.AppendLog(w.runID, LogName, line); err != nil {
		return err
	}

	req.RequestedAt = w.clock.Now()
	w.mu.Lock()
	cp := req
	w.pending[req.TicketID] = &cp
	w.mu.Unlock()

	w.logger.Info("review requested",
		"run", w.runID, "ticket", req.TicketID, "worker", req.WorkerID)
	return nil
}

// SubmitReview resolves a pending request. Approval triggers the merge
// hook; rejection pins the ticket to revision_required and carries the
// feedback back to the caller through the record.
func (w *Workflow) SubmitReview(ctx context.Context, d Decision) (*core.ReviewRecord, error) {
	if d.TicketID == "" || d.ReviewerID == "" {
		return nil, core.ErrValidation("REVIEW_REQUEST_INVALID",
			"review decision needs ticketId and reviewerId")
	}

	w.mu.Lock()
	req, ok := w.pending[d.TicketID]
	if !ok {
		w.mu.Unlock()
		return nil, core.ErrNotFound("review request", d.TicketID)
	}
	delete(w.pending, d.TicketID)
	cp := *req
	w.mu.Unlock()

	rec := &core.ReviewRecord{
		TicketID:   d.TicketID,
		WorkerID:   cp.WorkerID,
		ReviewerID: d.ReviewerID,
		Approved:   d.Approve,
		Checklist:  cp.Checklist,
		Feedback:   d.Feedback,
		ReviewedAt: w.clock.Now(),
	}

	if d.Approve {
		line := fmt.Sprintf("[APPROVE] ticket=%s reviewer=%s", d.TicketID, d.ReviewerID)
		if err := w.store.AppendLog(w.runID, LogName, line); err != nil {
			return nil, err
		}
		if w.merge != nil {
			if err := w.merge(ctx, cp); err != nil {
				return rec, core.ErrExecution(core.CodeTaskFailed,
					fmt.Sprintf("merge after approval of %s", d.TicketID)).WithCause(err)
			}
		}
		w.logger.Info("review approved", "run", w.runID, "ticket", d.TicketID, "reviewer", d.ReviewerID)
		return rec, nil
	}

	line := fmt.Sprintf("[REJECT] ticket=%s reviewer=%s", d.TicketID, d.ReviewerID)
	if d.Feedback != "" {
		line += " feedback=" + d.Feedback
	}
	if err := w.store.AppendLog(w.runID, LogName, line); err != nil {
		return nil, err
	}
	if w.tickets != nil {
		if err := w.tickets.SetStatus(d.TicketID, core.TicketRevisionRequired); err != nil {
			w.logger.Warn("could not pin rejected ticket",
				"ticket", d.TicketID, "error", err)
		}
	}
	w.logger.Info("review rejected",
		"run", w.runID, "ticket", d.TicketID, "reviewer", d.ReviewerID, "feedback", d.Feedback)
	return rec, nil
}

// ClearRequests drops the pending request for one ticket, or all of
// them when ticketID is empty.
func (w *Workflow) ClearRequests(ticketID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ticketID == "" {
		w.pending = make(map[string]*Request)
		return
	}
	delete(w.pending, ticketID)
}

// PendingRequests returns the filed requests, oldest first.
func (w *Workflow) PendingRequests() []Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Request, 0, len(w.pending))
	for _, r := range w.pending {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].TicketID < out[j].TicketID
	})
	return out
}
