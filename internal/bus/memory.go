package bus

import (
	"context"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
)

// MemoryBus keeps queues in process memory. It backs tests and
// single-process deployments where durability across restarts is not
// needed. Delivery within one process is effectively exactly-once.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string][]*Message
	wakeup map[string]chan struct{}
	closed bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues: make(map[string][]*Message),
		wakeup: make(map[string]chan struct{}),
	}
}

var _ Bus = (*MemoryBus)(nil)

// Send appends the message to the recipient's queue and wakes its pollers.
func (b *MemoryBus) Send(ctx context.Context, msg *Message) error {
	if err := Validate(msg); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrUnavailable(core.CodeBusUnavailable, "bus is closed")
	}
	b.queues[msg.To] = append(b.queues[msg.To], msg)
	b.broadcast(msg.To)
	return nil
}

// Poll returns the queued batch for agentID, waiting up to timeout for
// the first message to arrive.
func (b *MemoryBus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, core.ErrUnavailable(core.CodeBusUnavailable, "bus is closed")
		}
		if batch := b.queues[agentID]; len(batch) > 0 {
			delete(b.queues, agentID)
			b.mu.Unlock()
			return batch, nil
		}
		ch := b.waiter(agentID)
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ch:
		}
	}
}

// Close rejects further sends and unblocks waiting pollers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for agentID := range b.wakeup {
		b.broadcast(agentID)
	}
	return nil
}

// waiter returns the channel the next broadcast for agentID will close.
// Callers must hold mu.
func (b *MemoryBus) waiter(agentID string) chan struct{} {
	ch, ok := b.wakeup[agentID]
	if !ok {
		ch = make(chan struct{})
		b.wakeup[agentID] = ch
	}
	return ch
}

// broadcast wakes every poller waiting on agentID. Callers must hold mu.
func (b *MemoryBus) broadcast(agentID string) {
	if ch, ok := b.wakeup[agentID]; ok {
		close(ch)
		delete(b.wakeup, agentID)
	}
}
