package agents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/testutil"
	"github.com/agentcompany/agentcompany/internal/worker"
)

// runAgent starts an agent loop and stops it when the test ends.
func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
}

// awaitReply polls inbox until a message of type want arrives.
func awaitReply(t *testing.T, b bus.Bus, inbox string, want bus.MessageType) *bus.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := b.Poll(context.Background(), inbox, 200*time.Millisecond)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		for _, m := range msgs {
			if m.Type == want {
				return m
			}
		}
	}
	t.Fatalf("no %s message arrived", want)
	return nil
}

func TestAgentAnswersMeetingInvite(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	chat := testutil.NewScriptedChat().WithDefault("Split the endpoint work into handler and storage.")
	a := NewAgent("lead-developer", core.WorkerTypeDeveloper, b,
		WithChat(chat), WithPollWindow(100*time.Millisecond))
	runAgent(t, a)

	inv, err := bus.NewMessage(bus.TypeMeetingInvite, "ceo", "lead-developer", bus.MeetingInvitePayload{
		MeetingID: "m-1", Topic: "Login endpoint", Round: 1,
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := b.Send(context.Background(), inv); err != nil {
		t.Fatalf("Send: %v", err)
	}

	reply := awaitReply(t, b, "ceo", bus.TypeMeetingStatement)
	var p bus.MeetingStatementPayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.MeetingID != "m-1" || p.Round != 1 {
		t.Fatalf("statement meta = %+v", p)
	}
	if !strings.Contains(p.Statement, "handler and storage") {
		t.Fatalf("statement = %q, want chat content", p.Statement)
	}
}

func TestAgentInviteFallsBackWithoutChat(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	a := NewAgent("qa-lead", core.WorkerTypeTest, b, WithPollWindow(100*time.Millisecond))
	runAgent(t, a)

	inv, _ := bus.NewMessage(bus.TypeMeetingInvite, "ceo", "qa-lead", bus.MeetingInvitePayload{
		MeetingID: "m-2", Topic: "Fix the build", Round: 1,
	})
	if err := b.Send(context.Background(), inv); err != nil {
		t.Fatalf("Send: %v", err)
	}

	reply := awaitReply(t, b, "ceo", bus.TypeMeetingStatement)
	var p bus.MeetingStatementPayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Statement == "" {
		t.Fatal("fallback statement empty")
	}
}

func TestAgentExecutesAssignment(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	chat := testutil.NewScriptedChat().WithDefault("Implemented the change.")
	runner := worker.NewRunner(chat, worker.NewRegistry())
	a := NewAgent("developer-1", core.WorkerTypeDeveloper, b,
		WithChat(chat), WithRunner(runner), WithPollWindow(100*time.Millisecond))
	runAgent(t, a)

	assign, _ := bus.NewMessage(bus.TypeTaskAssign, "dispatcher", "developer-1", bus.TaskAssignPayload{
		TicketID: "task-001", Title: "Implement login", WorkerType: core.WorkerTypeDeveloper,
	})
	if err := b.Send(context.Background(), assign); err != nil {
		t.Fatalf("Send: %v", err)
	}

	reply := awaitReply(t, b, "dispatcher", bus.TypeTaskResult)
	var p bus.TaskResultPayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.TicketID != "task-001" {
		t.Fatalf("ticket = %s", p.TicketID)
	}
	if p.Status != string(core.ExecutionSuccess) {
		t.Fatalf("status = %s, want %s", p.Status, core.ExecutionSuccess)
	}
	if p.Turns == 0 || p.TokensUsed == 0 {
		t.Fatalf("usage missing from result: turns=%d tokens=%d", p.Turns, p.TokensUsed)
	}
	if len(p.Transcript) == 0 {
		t.Fatal("transcript missing from result")
	}
}

func TestAgentWithoutRunnerRejectsAssignment(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	a := NewAgent("review-lead", core.WorkerTypeReview, b, WithPollWindow(100*time.Millisecond))
	runAgent(t, a)

	assign, _ := bus.NewMessage(bus.TypeTaskAssign, "dispatcher", "review-lead", bus.TaskAssignPayload{
		TicketID: "task-002", Title: "Do work", WorkerType: core.WorkerTypeReview,
	})
	if err := b.Send(context.Background(), assign); err != nil {
		t.Fatalf("Send: %v", err)
	}

	reply := awaitReply(t, b, "dispatcher", bus.TypeTaskResult)
	var p bus.TaskResultPayload
	if err := reply.DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != string(core.ExecutionError) {
		t.Fatalf("status = %s, want error", p.Status)
	}
	if p.Error == "" {
		t.Fatal("expected error detail")
	}
}

func TestAgentReviewVerdicts(t *testing.T) {
	tests := []struct {
		name         string
		response     string
		wantApproved bool
		wantFeedback string
	}{
		{"approve", "APPROVE", true, ""},
		{"reject with feedback", "REJECT: add input validation", false, "add input validation"},
		{"garbled reply approves", "hmm, not sure", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.NewMemoryBus()
			defer b.Close()

			chat := testutil.NewScriptedChat().WithDefault(tt.response)
			a := NewAgent("review-lead", core.WorkerTypeReview, b,
				WithChat(chat), WithPollWindow(100*time.Millisecond))
			runAgent(t, a)

			req, _ := bus.NewMessage(bus.TypeReviewRequest, "dispatcher", "review-lead", bus.ReviewRequestPayload{
				TicketID: "task-003", WorkerID: "developer-1", Branch: "work/task-003",
			})
			if err := b.Send(context.Background(), req); err != nil {
				t.Fatalf("Send: %v", err)
			}

			reply := awaitReply(t, b, "dispatcher", bus.TypeReviewResponse)
			var p bus.ReviewResponsePayload
			if err := reply.DecodePayload(&p); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Approved != tt.wantApproved {
				t.Fatalf("approved = %v, want %v", p.Approved, tt.wantApproved)
			}
			if p.Feedback != tt.wantFeedback {
				t.Fatalf("feedback = %q, want %q", p.Feedback, tt.wantFeedback)
			}
		})
	}
}

func TestCompanyLifecycle(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	chat := testutil.NewScriptedChat()
	runner := worker.NewRunner(chat, worker.NewRegistry())
	c := NewCompany(b, chat, runner, WithCompanyPollWindow(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	if got := len(c.Participants()); got != 5 {
		t.Fatalf("participants = %d, want 5", got)
	}
	if c.ReviewerID() != ReviewLead {
		t.Fatalf("reviewer = %s", c.ReviewerID())
	}

	// A standing lead answers invites after Start.
	inv, _ := bus.NewMessage(bus.TypeMeetingInvite, "ceo", LeadDeveloper, bus.MeetingInvitePayload{
		MeetingID: "m-3", Topic: "Planning", Round: 1,
	})
	if err := b.Send(ctx, inv); err != nil {
		t.Fatalf("Send: %v", err)
	}
	awaitReply(t, b, "ceo", bus.TypeMeetingStatement)

	// A pool worker loop answers assignments after EnsureWorker.
	c.EnsureWorker("developer-7", core.WorkerTypeDeveloper)
	assign, _ := bus.NewMessage(bus.TypeTaskAssign, "dispatcher", "developer-7", bus.TaskAssignPayload{
		TicketID: "task-010", Title: "Implement", WorkerType: core.WorkerTypeDeveloper,
	})
	if err := b.Send(ctx, assign); err != nil {
		t.Fatalf("Send: %v", err)
	}
	awaitReply(t, b, "dispatcher", bus.TypeTaskResult)

	c.StopWorker("developer-7")
	c.Stop()
}
