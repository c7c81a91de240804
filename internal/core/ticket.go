package core

import (
	"fmt"
	"time"
)

// TicketStatus orders ticket progress for bottom-up propagation:
// pending < in_progress < blocked < revision_required < completed/failed.
type TicketStatus string

const (
	TicketPending          TicketStatus = "pending"
	TicketInProgress       TicketStatus = "in_progress"
	TicketBlocked          TicketStatus = "blocked"
	TicketRevisionRequired TicketStatus = "revision_required"
	TicketCompleted        TicketStatus = "completed"
	TicketFailed           TicketStatus = "failed"
)

// ValidTicketStatus checks if a status string is valid.
func ValidTicketStatus(s TicketStatus) bool {
	switch s {
	case TicketPending, TicketInProgress, TicketBlocked, TicketRevisionRequired, TicketCompleted, TicketFailed:
		return true
	default:
		return false
	}
}

// TicketStatusRank returns the position of a status in the propagation
// order. Completed and failed share the top rank.
func TicketStatusRank(s TicketStatus) int {
	switch s {
	case TicketPending:
		return 0
	case TicketInProgress:
		return 1
	case TicketBlocked:
		return 2
	case TicketRevisionRequired:
		return 3
	case TicketCompleted, TicketFailed:
		return 4
	default:
		return -1
	}
}

// LubTicketStatus returns the least upper bound of two statuses. At the top
// rank a failure dominates a completion.
func LubTicketStatus(a, b TicketStatus) TicketStatus {
	ra, rb := TicketStatusRank(a), TicketStatusRank(b)
	if ra > rb {
		return a
	}
	if rb > ra {
		return b
	}
	if a == TicketFailed || b == TicketFailed {
		return TicketFailed
	}
	return a
}

// MaxTicketDepth bounds the ticket tree: a root, its children, and leaves.
const MaxTicketDepth = 3

// Ticket is one node in the per-workflow ticket tree.
type Ticket struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parentId,omitempty"`
	WorkflowID  WorkflowID   `json:"workflowId"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TicketStatus `json:"status"`
	AssigneeID  string       `json:"assigneeId,omitempty"`
	Level       int          `json:"level"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Validate checks ticket invariants.
func (t *Ticket) Validate() error {
	if t.ID == "" {
		return ErrValidation(CodeTicketNotFound, "ticket id cannot be empty")
	}
	if t.Title == "" {
		return ErrValidation("TICKET_TITLE_REQUIRED", fmt.Sprintf("ticket %s has no title", t.ID))
	}
	if !ValidTicketStatus(t.Status) {
		return ErrValidation(CodeInvalidStatus, fmt.Sprintf("ticket %s has invalid status %q", t.ID, t.Status))
	}
	if t.Level < 0 || t.Level >= MaxTicketDepth {
		return ErrValidation("TICKET_LEVEL_INVALID",
			fmt.Sprintf("ticket %s level %d outside [0,%d)", t.ID, t.Level, MaxTicketDepth))
	}
	return nil
}

// Clone returns a copy of the ticket.
func (t *Ticket) Clone() *Ticket {
	c := *t
	return &c
}
