// Package agents runs the responder loops behind the agent bus: standing
// company agents that speak in meetings and review work, and per-worker
// loops that execute assigned subtasks. The engine only ever talks to the
// bus; these loops are the other end of every conversation.
package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
	"github.com/agentcompany/agentcompany/internal/worker"
)

// DefaultPollWindow is how long a responder blocks on one inbox poll.
const DefaultPollWindow = 500 * time.Millisecond

// Agent is one bus responder. Standing agents answer meeting invites and
// review requests; worker-bound agents execute task assignments.
type Agent struct {
	id         string
	wtype      core.WorkerType
	bus        bus.Bus
	chat       core.ChatCompletion
	runner     *worker.Runner
	logger     *logging.Logger
	pollWindow time.Duration
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithChat gives the agent a completion backend for meeting statements
// and review judgements.
func WithChat(c core.ChatCompletion) AgentOption {
	return func(a *Agent) { a.chat = c }
}

// WithRunner gives the agent a task execution loop.
func WithRunner(r *worker.Runner) AgentOption {
	return func(a *Agent) { a.runner = r }
}

// WithAgentLogger attaches a logger.
func WithAgentLogger(l *logging.Logger) AgentOption {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithPollWindow overrides the inbox poll window.
func WithPollWindow(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.pollWindow = d
		}
	}
}

// NewAgent creates a responder with the given identity and type.
func NewAgent(id string, t core.WorkerType, b bus.Bus, opts ...AgentOption) *Agent {
	a := &Agent{
		id:         id,
		wtype:      t,
		bus:        b,
		logger:     logging.NewNop(),
		pollWindow: DefaultPollWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent's bus address.
func (a *Agent) ID() string { return a.id }

// Run polls the agent's inbox until ctx is cancelled. Each message is
// handled in order; a failed handler logs and moves on so one poison
// message cannot stall the loop.
func (a *Agent) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := a.bus.Poll(ctx, a.id, a.pollWindow)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("agent inbox poll failed", "agent", a.id, "error", err)
			continue
		}
		for _, m := range msgs {
			a.handle(ctx, m)
		}
	}
}

func (a *Agent) handle(ctx context.Context, m *bus.Message) {
	var err error
	switch m.Type {
	case bus.TypeMeetingInvite:
		err = a.handleInvite(ctx, m)
	case bus.TypeTaskAssign:
		err = a.handleAssign(ctx, m)
	case bus.TypeReviewRequest:
		err = a.handleReviewRequest(ctx, m)
	default:
		a.logger.Debug("message type ignored", "agent", a.id, "type", m.Type)
		return
	}
	if err != nil {
		a.logger.Warn("agent handler failed", "agent", a.id, "type", m.Type, "error", err)
	}
}

// handleInvite produces one meeting statement. The completion backend
// speaks when available; otherwise a capability-derived stance keeps the
// meeting moving.
func (a *Agent) handleInvite(ctx context.Context, m *bus.Message) error {
	var inv bus.MeetingInvitePayload
	if err := m.DecodePayload(&inv); err != nil {
		return err
	}

	statement := a.cannedStatement(inv.Topic)
	if a.chat != nil {
		prompt := fmt.Sprintf(
			"You are %s, the %s specialist, in a planning meeting.\nTopic: %s\n\nDiscussion so far:\n%s\nGive one concise statement from your specialty's point of view.",
			a.id, a.wtype, inv.Topic, inv.Context)
		resp, err := a.chat.Complete(ctx, core.ChatRequest{
			Messages: []core.ChatMessage{{Role: core.RoleUser, Content: prompt}},
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			statement = strings.TrimSpace(resp.Content)
		}
	}

	reply, err := bus.NewMessage(bus.TypeMeetingStatement, a.id, m.From, bus.MeetingStatementPayload{
		MeetingID: inv.MeetingID,
		Round:     inv.Round,
		Statement: statement,
	})
	if err != nil {
		return err
	}
	return a.bus.Send(ctx, reply)
}

func (a *Agent) cannedStatement(topic string) string {
	return fmt.Sprintf("From the %s side: %s looks feasible; I can take the %s stage.", a.wtype, topic, a.wtype)
}

// handleAssign executes one subtask and reports the result to the sender.
func (a *Agent) handleAssign(ctx context.Context, m *bus.Message) error {
	var p bus.TaskAssignPayload
	if err := m.DecodePayload(&p); err != nil {
		return err
	}
	if a.runner == nil {
		return a.reply(ctx, m, bus.TypeTaskResult, bus.TaskResultPayload{
			TicketID: p.TicketID,
			Status:   string(core.ExecutionError),
			Error:    fmt.Sprintf("agent %s cannot execute tasks", a.id),
		})
	}

	res, err := a.runner.Run(ctx, a.id, worker.Assignment{
		TicketID:    p.TicketID,
		Title:       p.Title,
		Description: p.Description,
		WorkerType:  p.WorkerType,
		Workspace:   p.Workspace,
	})
	if err != nil {
		return a.reply(ctx, m, bus.TypeTaskResult, bus.TaskResultPayload{
			TicketID: p.TicketID,
			Status:   string(core.ExecutionError),
			Error:    err.Error(),
		})
	}

	status := core.ExecutionError
	switch res.Status {
	case worker.ResultCompleted:
		status = core.ExecutionSuccess
	case worker.ResultQualityFailed:
		status = core.ExecutionQualityFailed
	}
	return a.reply(ctx, m, bus.TypeTaskResult, bus.TaskResultPayload{
		TicketID:   p.TicketID,
		Status:     string(status),
		Output:     res.Output,
		Artifacts:  res.Artifacts,
		TokensUsed: res.TokensUsed,
		Turns:      res.Iterations,
		Transcript: res.Transcript,
	})
}

// handleReviewRequest judges completed work. With a completion backend
// the verdict comes from the model (a reply containing "REJECT" counts
// as a rejection, the rest of the line as feedback); without one the
// agent approves, which keeps offline runs moving.
func (a *Agent) handleReviewRequest(ctx context.Context, m *bus.Message) error {
	var p bus.ReviewRequestPayload
	if err := m.DecodePayload(&p); err != nil {
		return err
	}

	approved, feedback := true, ""
	if a.chat != nil {
		prompt := fmt.Sprintf(
			"You are reviewing ticket %s produced by %s on branch %s.\nChecklist: %s\nReply APPROVE, or REJECT followed by the required changes.",
			p.TicketID, p.WorkerID, p.Branch, strings.Join(p.Checklist, "; "))
		resp, err := a.chat.Complete(ctx, core.ChatRequest{
			Messages: []core.ChatMessage{{Role: core.RoleUser, Content: prompt}},
		})
		if err == nil {
			verdict := strings.TrimSpace(resp.Content)
			if rest, rejected := strings.CutPrefix(verdict, "REJECT"); rejected {
				approved = false
				feedback = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
			}
		}
	}

	return a.reply(ctx, m, bus.TypeReviewResponse, bus.ReviewResponsePayload{
		TicketID:   p.TicketID,
		ReviewerID: a.id,
		Approved:   approved,
		Feedback:   feedback,
	})
}

func (a *Agent) reply(ctx context.Context, m *bus.Message, t bus.MessageType, payload interface{}) error {
	reply, err := bus.NewMessage(t, a.id, m.From, payload)
	if err != nil {
		return err
	}
	return a.bus.Send(ctx, reply)
}
