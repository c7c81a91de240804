// Package approval implements the human-in-the-loop rendezvous: a
// workflow parks one pending entry, a principal resolves it with a
// decision, and the waiting driver picks the verdict up through a
// future. At most one entry exists per workflow.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// Pending is the visible part of one waiting approval.
type Pending struct {
	WorkflowID core.WorkflowID `json:"workflowId"`
	Phase      core.Phase      `json:"phase"`
	Content    string          `json:"content"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// entry resolves exactly once; done is closed after decision or err is
// set, so any number of waiters observe the same outcome. Removal from
// the pending map happens before the close, which keeps the close
// single-shot.
type entry struct {
	pending  Pending
	done     chan struct{}
	decision *core.Decision
	err      error
}

// Future delivers the decision of one approval request.
type Future struct {
	e *entry
}

// Wait blocks until the approval is resolved or ctx ends.
func (f *Future) Wait(ctx context.Context) (*core.Decision, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.e.done:
	}
	if f.e.err != nil {
		return nil, f.e.err
	}
	d := *f.e.decision
	return &d, nil
}

// Gate holds the pending approvals of the process.
type Gate struct {
	mu      sync.Mutex
	pending map[core.WorkflowID]*entry
	clock   core.Clock
	logger  *logging.Logger
	notify  []func(Pending)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock injects the timestamp source.
func WithGateClock(c core.Clock) GateOption {
	return func(g *Gate) { g.clock = c }
}

// WithGateLogger attaches a logger.
func WithGateLogger(l *logging.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithNotify registers a hook invoked whenever a pending entry is
// created or its content replaced.
func WithNotify(fn func(Pending)) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.notify = append(g.notify, fn)
		}
	}
}

// NewGate creates an empty approval gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		pending: make(map[core.WorkflowID]*entry),
		clock:   core.SystemClock(),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval parks a pending entry for the workflow and returns
// the future its decision will arrive on. A second request in the same
// phase replaces the content and shares the outstanding future; a
// request in a different phase while one is pending is a conflict.
func (g *Gate) RequestApproval(wfID core.WorkflowID, phase core.Phase, content string) (*Future, error) {
	if !core.ValidPhase(phase) {
		return nil, core.ErrValidation(core.CodeInvalidPhase, fmt.Sprintf("invalid phase: %q", phase))
	}

	g.mu.Lock()
	if e, ok := g.pending[wfID]; ok {
		if e.pending.Phase != phase {
			p := e.pending.Phase
			g.mu.Unlock()
			return nil, core.ErrConflict(core.CodeApprovalPhaseMismatch,
				fmt.Sprintf("workflow %s already awaits approval in phase %s", wfID, p))
		}
		e.pending.Content = content
		e.pending.CreatedAt = g.clock.Now()
		cp := e.pending
		g.mu.Unlock()
		g.logger.Info("pending approval content replaced", "workflow", wfID, "phase", phase)
		g.fanout(cp)
		return &Future{e: e}, nil
	}

	e := &entry{
		pending: Pending{
			WorkflowID: wfID,
			Phase:      phase,
			Content:    content,
			CreatedAt:  g.clock.Now(),
		},
		done: make(chan struct{}),
	}
	g.pending[wfID] = e
	cp := e.pending
	g.mu.Unlock()

	g.logger.Info("approval requested", "workflow", wfID, "phase", phase)
	g.fanout(cp)
	return &Future{e: e}, nil
}

// SubmitDecision resolves the workflow's pending approval.
func (g *Gate) SubmitDecision(wfID core.WorkflowID, d core.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	e, ok := g.pending[wfID]
	if !ok {
		g.mu.Unlock()
		return core.ErrNoPendingApproval(string(wfID))
	}
	delete(g.pending, wfID)

	d.Phase = e.pending.Phase
	if d.DecidedAt.IsZero() {
		d.DecidedAt = g.clock.Now()
	}
	e.decision = &d
	close(e.done)
	g.mu.Unlock()

	g.logger.Info("approval decided",
		"workflow", wfID, "phase", d.Phase, "action", d.Action, "by", d.DecidedBy)
	return nil
}

// CancelApproval resolves the pending approval with a cancellation
// error, releasing the waiting driver.
func (g *Gate) CancelApproval(wfID core.WorkflowID, reason string) error {
	g.mu.Lock()
	e, ok := g.pending[wfID]
	if !ok {
		g.mu.Unlock()
		return core.ErrNoPendingApproval(string(wfID))
	}
	delete(g.pending, wfID)

	e.err = core.ErrExecution(core.CodeApprovalTimeout,
		fmt.Sprintf("approval cancelled: %s", reason))
	close(e.done)
	g.mu.Unlock()

	g.logger.Info("approval cancelled", "workflow", wfID, "reason", reason)
	return nil
}

// PendingFor returns the workflow's pending entry, if any.
func (g *Gate) PendingFor(wfID core.WorkflowID) (Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.pending[wfID]; ok {
		return e.pending, true
	}
	return Pending{}, false
}

// PendingAll returns every pending entry, oldest first.
func (g *Gate) PendingAll() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.pending)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	return out
}

func (g *Gate) fanout(p Pending) {
	for _, fn := range g.notify {
		fn(p)
	}
}
