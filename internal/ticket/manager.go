// Package ticket maintains per-workflow ticket trees: a root for the
// project intent, child tickets for tasks and grandchildren for
// subtasks. Parent statuses are derived bottom-up as the least upper
// bound of the children's statuses.
package ticket

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

type node struct {
	ticket   *core.Ticket
	children []string
}

// Manager owns every ticket tree in the process.
type Manager struct {
	mu     sync.RWMutex
	byID   map[string]*node
	roots  map[core.WorkflowID][]string
	clock  core.Clock
	logger *logging.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock injects the timestamp source.
func WithManagerClock(c core.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithManagerLogger attaches a logger.
func WithManagerLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates an empty ticket manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		byID:   make(map[string]*node),
		roots:  make(map[core.WorkflowID][]string),
		clock:  core.SystemClock(),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRoot opens a workflow's ticket tree with its level-0 ticket.
func (m *Manager) CreateRoot(wfID core.WorkflowID, title, description string) (*core.Ticket, error) {
	t := &core.Ticket{
		ID:          newTicketID(),
		WorkflowID:  wfID,
		Title:       title,
		Description: description,
		Status:      core.TicketPending,
		Level:       0,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	m.byID[t.ID] = &node{ticket: t}
	m.roots[wfID] = append(m.roots[wfID], t.ID)
	return t.Clone(), nil
}

// AddChild appends a ticket one level below its parent. The tree is
// capped at three levels, so grandchildren cannot have children.
func (m *Manager) AddChild(parentID, title, description string) (*core.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[parentID]
	if !ok {
		return nil, core.ErrNotFound("ticket", parentID)
	}
	level := p.ticket.Level + 1
	if level >= core.MaxTicketDepth {
		return nil, core.ErrValidation("TICKET_LEVEL_INVALID",
			fmt.Sprintf("ticket %s is at the maximum depth", parentID))
	}

	t := &core.Ticket{
		ID:          newTicketID(),
		ParentID:    parentID,
		WorkflowID:  p.ticket.WorkflowID,
		Title:       title,
		Description: description,
		Status:      core.TicketPending,
		Level:       level,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	m.byID[t.ID] = &node{ticket: t}
	p.children = append(p.children, t.ID)
	m.propagateLocked(parentID)
	return t.Clone(), nil
}

// Get returns a copy of one ticket.
func (m *Manager) Get(id string) (*core.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, core.ErrNotFound("ticket", id)
	}
	return n.ticket.Clone(), nil
}

// Children returns copies of a ticket's direct children in creation order.
func (m *Manager) Children(id string) ([]*core.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, core.ErrNotFound("ticket", id)
	}
	out := make([]*core.Ticket, 0, len(n.children))
	for _, cid := range n.children {
		out = append(out, m.byID[cid].ticket.Clone())
	}
	return out, nil
}

// Tree returns a workflow's tickets in depth-first order, each parent
// before its children.
func (m *Manager) Tree(wfID core.WorkflowID) []*core.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Ticket
	var walk func(id string)
	walk = func(id string) {
		n := m.byID[id]
		out = append(out, n.ticket.Clone())
		for _, cid := range n.children {
			walk(cid)
		}
	}
	for _, rid := range m.roots[wfID] {
		walk(rid)
	}
	return out
}

// SetStatus updates one ticket and re-derives every ancestor from its
// children.
func (m *Manager) SetStatus(id string, status core.TicketStatus) error {
	if !core.ValidTicketStatus(status) {
		return core.ErrValidation(core.CodeInvalidStatus,
			fmt.Sprintf("invalid ticket status %q", status))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return core.ErrNotFound("ticket", id)
	}
	if n.ticket.Status == status {
		return nil
	}
	n.ticket.Status = status
	n.ticket.UpdatedAt = m.clock.Now()
	m.logger.Debug("ticket status set", "ticket", id, "status", status)
	m.propagateLocked(n.ticket.ParentID)
	return nil
}

// Assign records the agent working a ticket.
func (m *Manager) Assign(id, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return core.ErrNotFound("ticket", id)
	}
	n.ticket.AssigneeID = agentID
	n.ticket.UpdatedAt = m.clock.Now()
	return nil
}

// propagateLocked re-derives the status of id and its ancestors as the
// least upper bound over their children. A childless node keeps its own
// status.
func (m *Manager) propagateLocked(id string) {
	for id != "" {
		n, ok := m.byID[id]
		if !ok {
			return
		}
		if len(n.children) == 0 {
			return
		}
		derived := m.byID[n.children[0]].ticket.Status
		for _, cid := range n.children[1:] {
			derived = core.LubTicketStatus(derived, m.byID[cid].ticket.Status)
		}
		if n.ticket.Status == derived {
			return
		}
		n.ticket.Status = derived
		n.ticket.UpdatedAt = m.clock.Now()
		m.logger.Debug("ticket status derived", "ticket", id, "status", derived)
		id = n.ticket.ParentID
	}
}

// Export returns every ticket of a workflow for persistence, parents
// before children.
func (m *Manager) Export(wfID core.WorkflowID) []core.Ticket {
	tree := m.Tree(wfID)
	out := make([]core.Ticket, 0, len(tree))
	for _, t := range tree {
		out = append(out, *t)
	}
	return out
}

// Import rebuilds a workflow's tree from exported tickets. Parents must
// precede their children, which Export guarantees.
func (m *Manager) Import(tickets []core.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range tickets {
		t := tickets[i]
		if err := t.Validate(); err != nil {
			return err
		}
		if _, exists := m.byID[t.ID]; exists {
			return core.ErrConflict(core.CodeInvalidStatus,
				fmt.Sprintf("ticket %s already loaded", t.ID))
		}
		if t.ParentID != "" {
			p, ok := m.byID[t.ParentID]
			if !ok {
				return core.ErrState(core.CodeStateCorrupted,
					fmt.Sprintf("ticket %s references missing parent %s", t.ID, t.ParentID))
			}
			p.children = append(p.children, t.ID)
		} else {
			m.roots[t.WorkflowID] = append(m.roots[t.WorkflowID], t.ID)
		}
		m.byID[t.ID] = &node{ticket: &t}
	}
	return nil
}

// Counts summarizes a workflow's leaf tickets by status.
func (m *Manager) Counts(wfID core.WorkflowID) map[core.TicketStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[core.TicketStatus]int)
	var walk func(id string)
	walk = func(id string) {
		n := m.byID[id]
		if len(n.children) == 0 {
			counts[n.ticket.Status]++
			return
		}
		for _, cid := range n.children {
			walk(cid)
		}
	}
	for _, rid := range m.roots[wfID] {
		walk(rid)
	}
	return counts
}

// Workflows lists every workflow with at least one ticket, sorted.
func (m *Manager) Workflows() []core.WorkflowID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.WorkflowID, 0, len(m.roots))
	for id := range m.roots {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newTicketID() string {
	return "tkt-" + uuid.NewString()
}
