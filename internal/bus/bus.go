// Package bus moves typed messages between agents. Four backends share
// one contract: in-memory for tests and single-process runs, file and
// SQLite spools for durable local queues, Redis for multi-node setups.
//
// Delivery is at-least-once. A backend removes a batch only after it has
// been read in full, so an interrupted consumer sees the batch again and
// consumers must tolerate duplicates. Messages from one sender to one
// recipient arrive in send order; there is no ordering guarantee across
// senders.
package bus

import (
	"context"
	"time"
)

// Bus is the agent message transport.
type Bus interface {
	// Send enqueues the message for its recipient. Messages with an empty
	// id, type, from or to are rejected with an INVALID_MESSAGE error.
	Send(ctx context.Context, msg *Message) error

	// Poll blocks until at least one message is queued for agentID or the
	// timeout elapses, then returns the queued batch in FIFO order.
	// An elapsed timeout returns an empty batch and no error.
	Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error)

	// Close releases backend resources. Further sends fail.
	Close() error
}

// defaultPollInterval is how often the durable backends rescan their
// spool while a Poll is waiting.
const defaultPollInterval = 100 * time.Millisecond
