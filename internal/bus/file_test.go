package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

func newTestFileBus(t *testing.T) (*FileBus, string) {
	t.Helper()
	root := t.TempDir()
	b, err := NewFileBus(root,
		WithFileBusClock(&fixedClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}),
		WithFileBusPollInterval(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewFileBus() error = %v", err)
	}
	return b, root
}

func TestFileBus_SendPollRoundTrip(t *testing.T) {
	b, root := newTestFileBus(t)
	payload := ReviewRequestPayload{TicketID: "ticket-1", WorkerID: "worker-1"}
	msg, err := NewMessage(TypeReviewRequest, "worker-1", "reviewer-1", payload)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	sendAll(t, b, msg)

	// One file per message in the recipient's spool.
	entries, err := os.ReadDir(filepath.Join(root, "reviewer-1"))
	if err != nil {
		t.Fatalf("reading spool: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("spool has %d files, want 1", len(entries))
	}

	batch, err := b.Poll(context.Background(), "reviewer-1", time.Second)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batch))
	}
	got := batch[0]
	if got.ID != msg.ID || got.Type != msg.Type || got.From != msg.From || got.To != msg.To {
		t.Errorf("envelope round trip = %+v, want %+v", got, msg)
	}
	var decoded ReviewRequestPayload
	if err := got.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if decoded.TicketID != payload.TicketID || decoded.WorkerID != payload.WorkerID || decoded.Branch != payload.Branch {
		t.Errorf("payload = %+v, want %+v", decoded, payload)
	}

	// Delivered messages leave the spool.
	entries, err = os.ReadDir(filepath.Join(root, "reviewer-1"))
	if err != nil {
		t.Fatalf("re-reading spool: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("spool still has %d files after delivery", len(entries))
	}
}

func TestFileBus_FIFOWithinOneInstant(t *testing.T) {
	b, _ := newTestFileBus(t)
	// The fixed clock never advances; the sequence number alone must keep
	// the scan order stable.
	var ids []string
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("m%02d", i)
		ids = append(ids, id)
		sendAll(t, b, testMsg(id, "orchestrator", "worker-1"))
	}

	batch, err := b.Poll(context.Background(), "worker-1", time.Second)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	assertOrder(t, batch, ids...)
}

func TestFileBus_SurvivesRestart(t *testing.T) {
	b1, root := newTestFileBus(t)
	sendAll(t, b1,
		testMsg("m1", "orchestrator", "worker-1"),
		testMsg("m2", "orchestrator", "worker-1"),
	)

	// A fresh bus over the same root sees the undelivered spool.
	b2, err := NewFileBus(root, WithFileBusPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewFileBus() error = %v", err)
	}
	batch, err := b2.Poll(context.Background(), "worker-1", time.Second)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	assertOrder(t, batch, "m1", "m2")
}

func TestFileBus_PollWakesOnLateSend(t *testing.T) {
	b, _ := newTestFileBus(t)

	done := make(chan []*Message, 1)
	go func() {
		batch, err := b.Poll(context.Background(), "worker-1", 5*time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- batch
	}()

	time.Sleep(30 * time.Millisecond)
	sendAll(t, b, testMsg("late", "orchestrator", "worker-1"))

	select {
	case batch := <-done:
		assertOrder(t, batch, "late")
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not pick up late send")
	}
}

func TestFileBus_PollTimeout(t *testing.T) {
	b, _ := newTestFileBus(t)
	batch, err := b.Poll(context.Background(), "worker-1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("timed-out poll returned %d messages", len(batch))
	}
}

func TestFileBus_QuarantinesCorruptFile(t *testing.T) {
	b, root := newTestFileBus(t)
	sendAll(t, b, testMsg("good", "orchestrator", "worker-1"))

	spool := filepath.Join(root, "worker-1")
	badPath := filepath.Join(spool, "00000000000000000000-000000-bad.json")
	if err := os.WriteFile(badPath, []byte("{not json"), 0o640); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	batch, err := b.Poll(context.Background(), "worker-1", time.Second)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	assertOrder(t, batch, "good")

	// The corrupt file is renamed aside, not deleted and not re-scanned.
	entries, err := os.ReadDir(spool)
	if err != nil {
		t.Fatalf("reading spool: %v", err)
	}
	var quarantined bool
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".corrupt") {
			quarantined = true
		}
		if strings.HasSuffix(e.Name(), ".json") {
			t.Errorf("unexpected spool file %s", e.Name())
		}
	}
	if !quarantined {
		t.Error("corrupt file was not quarantined")
	}
}

func TestFileBus_RejectsBadAgentID(t *testing.T) {
	b, _ := newTestFileBus(t)

	err := b.Send(context.Background(), testMsg("m1", "orchestrator", "../escape"))
	var derr *core.DomainError
	if !errors.As(err, &derr) || derr.Code != core.CodeInvalidMessage {
		t.Errorf("send error = %v, want code %s", err, core.CodeInvalidMessage)
	}

	if _, err := b.Poll(context.Background(), "a/b", time.Millisecond); err == nil {
		t.Error("expected poll error for agent id with separator")
	}
}
