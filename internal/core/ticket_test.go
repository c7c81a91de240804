package core

import "testing"

func TestTicketStatusRank(t *testing.T) {
	order := []TicketStatus{TicketPending, TicketInProgress, TicketBlocked, TicketRevisionRequired}
	for i := 1; i < len(order); i++ {
		if TicketStatusRank(order[i-1]) >= TicketStatusRank(order[i]) {
			t.Fatalf("expected %s < %s", order[i-1], order[i])
		}
	}
	if TicketStatusRank(TicketCompleted) != TicketStatusRank(TicketFailed) {
		t.Fatalf("completed and failed must share the top rank")
	}
	if TicketStatusRank("nope") != -1 {
		t.Fatalf("unknown status must rank -1")
	}
}

func TestLubTicketStatus(t *testing.T) {
	cases := []struct {
		a, b, want TicketStatus
	}{
		{TicketPending, TicketInProgress, TicketInProgress},
		{TicketBlocked, TicketInProgress, TicketBlocked},
		{TicketRevisionRequired, TicketBlocked, TicketRevisionRequired},
		{TicketCompleted, TicketPending, TicketCompleted},
		{TicketCompleted, TicketFailed, TicketFailed},
		{TicketFailed, TicketCompleted, TicketFailed},
		{TicketCompleted, TicketCompleted, TicketCompleted},
	}
	for _, tc := range cases {
		if got := LubTicketStatus(tc.a, tc.b); got != tc.want {
			t.Fatalf("lub(%s,%s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestLubTicketStatus_Monotone(t *testing.T) {
	all := []TicketStatus{TicketPending, TicketInProgress, TicketBlocked, TicketRevisionRequired, TicketCompleted, TicketFailed}
	for _, a := range all {
		for _, b := range all {
			got := LubTicketStatus(a, b)
			if TicketStatusRank(got) < TicketStatusRank(a) || TicketStatusRank(got) < TicketStatusRank(b) {
				t.Fatalf("lub(%s,%s) = %s went backwards", a, b, got)
			}
			if got != LubTicketStatus(b, a) {
				t.Fatalf("lub not commutative for (%s,%s)", a, b)
			}
		}
	}
}

func TestTicket_Validate(t *testing.T) {
	tk := &Ticket{ID: "tk-1", Title: "root", Status: TicketPending, Level: 0}
	if err := tk.Validate(); err != nil {
		t.Fatalf("valid ticket rejected: %v", err)
	}
	for _, mutate := range []func(*Ticket){
		func(x *Ticket) { x.ID = "" },
		func(x *Ticket) { x.Title = "" },
		func(x *Ticket) { x.Status = "stalled" },
		func(x *Ticket) { x.Level = 3 },
		func(x *Ticket) { x.Level = -1 },
	} {
		bad := tk.Clone()
		mutate(bad)
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected validation error for %+v", bad)
		}
	}
}
