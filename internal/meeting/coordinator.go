// Package meeting convenes bounded multi-agent dialogues over the agent
// bus and turns them into persisted minutes and an execution proposal.
package meeting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// DefaultFacilitator chairs meetings when no facilitator is configured.
const DefaultFacilitator = "ceo"

// DefaultRounds bounds how many invite/collect cycles a meeting runs.
const DefaultRounds = 3

// DefaultRoundWindow is how long the facilitator waits for statements in
// one round.
const DefaultRoundWindow = 2 * time.Second

// Store is the slice of run persistence the coordinator needs.
type Store interface {
	SaveMinutes(runID string, m *core.MeetingMinutes) error
}

// Coordinator drives meetings: invite, collect, minute, persist.
type Coordinator struct {
	bus         bus.Bus
	store       Store
	clock       core.Clock
	logger      *logging.Logger
	facilitator string
	rounds      int
	window      time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFacilitator names the chairing agent.
func WithFacilitator(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.facilitator = id
		}
	}
}

// WithRounds overrides the round budget.
func WithRounds(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.rounds = n
		}
	}
}

// WithRoundWindow overrides the per-round collection window.
func WithRoundWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithClock injects the timestamp source.
func WithClock(clk core.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator creates a coordinator over the given bus and store.
func NewCoordinator(b bus.Bus, store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:         b,
		store:       store,
		clock:       core.SystemClock(),
		logger:      logging.NewNop(),
		facilitator: DefaultFacilitator,
		rounds:      DefaultRounds,
		window:      DefaultRoundWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convene holds a meeting on topic with the given participants and
// persists the resulting minutes in the run directory. Quorum is every
// participant having spoken at least once; the meeting also ends when
// the round budget runs out. The facilitator's opening statement keeps
// the minutes non-empty even if every participant stays silent.
func (c *Coordinator) Convene(ctx context.Context, wfID core.WorkflowID, runID, topic string, participants []string) (*core.MeetingMinutes, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, core.ErrValidation(core.CodeMeetingFailed, "meeting topic cannot be empty")
	}

	minutes := &core.MeetingMinutes{
		ID:           uuid.NewString(),
		WorkflowID:   wfID,
		Topic:        topic,
		Participants: append([]string{c.facilitator}, participants...),
		CreatedAt:    c.clock.Now(),
	}
	minutes.Statements = append(minutes.Statements, core.MeetingStatement{
		AgentID:   c.facilitator,
		Content:   "Kicking off: " + topic,
		Timestamp: c.clock.Now(),
	})

	spoke := make(map[string]bool, len(participants))
	for round := 1; round <= c.rounds && !quorum(spoke, participants); round++ {
		if err := c.invite(ctx, minutes, round, participants); err != nil {
			return nil, err
		}
		if err := c.collect(ctx, minutes, round, spoke, participants); err != nil {
			return nil, err
		}
	}

	minutes.Summary = summarize(minutes)
	if err := minutes.Validate(); err != nil {
		return nil, err
	}
	if err := c.store.SaveMinutes(runID, minutes); err != nil {
		return nil, err
	}
	c.logger.Info("meeting concluded",
		"workflow", wfID, "minutes", minutes.ID,
		"statements", len(minutes.Statements), "participants", len(participants))
	return minutes, nil
}

// invite sends a meeting_invite to every participant, carrying the
// statements gathered so far as context.
func (c *Coordinator) invite(ctx context.Context, minutes *core.MeetingMinutes, round int, participants []string) error {
	context := transcript(minutes)
	for _, p := range participants {
		msg, err := bus.NewMessage(bus.TypeMeetingInvite, c.facilitator, p, bus.MeetingInvitePayload{
			MeetingID: minutes.ID,
			Topic:     minutes.Topic,
			Round:     round,
			Context:   context,
		})
		if err != nil {
			return err
		}
		if err := c.bus.Send(ctx, msg); err != nil {
			return core.ErrExecution(core.CodeMeetingFailed,
				fmt.Sprintf("inviting %s to meeting %s", p, minutes.ID)).WithCause(err)
		}
	}
	return nil
}

// collect drains the facilitator's inbox until the round window lapses
// or every participant has spoken.
func (c *Coordinator) collect(ctx context.Context, minutes *core.MeetingMinutes, round int, spoke map[string]bool, participants []string) error {
	deadline := time.Now().Add(c.window)
	for !quorum(spoke, participants) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		msgs, err := c.bus.Poll(ctx, c.facilitator, remaining)
		if err != nil {
			return core.ErrExecution(core.CodeMeetingFailed, "collecting meeting statements").WithCause(err)
		}
		for _, m := range msgs {
			if m.Type != bus.TypeMeetingStatement {
				c.logger.Debug("non-statement message in facilitator inbox", "type", m.Type, "from", m.From)
				continue
			}
			var p bus.MeetingStatementPayload
			if err := m.DecodePayload(&p); err != nil {
				c.logger.Warn("undecodable meeting statement dropped", "from", m.From)
				continue
			}
			if p.MeetingID != minutes.ID {
				continue
			}
			minutes.Statements = append(minutes.Statements, core.MeetingStatement{
				AgentID:   m.From,
				Content:   p.Statement,
				Timestamp: m.Timestamp,
			})
			spoke[m.From] = true
		}
	}
	_ = round
	return nil
}

func quorum(spoke map[string]bool, participants []string) bool {
	for _, p := range participants {
		if !spoke[p] {
			return false
		}
	}
	return true
}

// transcript renders the statements so far for the next round's context.
func transcript(minutes *core.MeetingMinutes) string {
	var b strings.Builder
	for _, s := range minutes.Statements {
		fmt.Fprintf(&b, "%s: %s\n", s.AgentID, s.Content)
	}
	return b.String()
}

// summarize produces the one-paragraph minutes summary.
func summarize(minutes *core.MeetingMinutes) string {
	voices := make(map[string]bool, len(minutes.Statements))
	for _, s := range minutes.Statements {
		voices[s.AgentID] = true
	}
	return fmt.Sprintf("Meeting on %q: %d statements from %d participants.",
		minutes.Topic, len(minutes.Statements), len(voices))
}
