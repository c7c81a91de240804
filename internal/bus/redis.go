package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// RedisBus spools messages in per-recipient Redis lists for multi-node
// deployments. RPUSH preserves send order; the read batch is trimmed off
// the head afterwards, so a consumer that dies between read and trim sees
// the batch again.
type RedisBus struct {
	rdb          *redis.Client
	logger       *logging.Logger
	pollInterval time.Duration
}

// RedisBusOption configures the Redis bus.
type RedisBusOption func(*RedisBus)

// WithRedisBusLogger attaches a logger.
func WithRedisBusLogger(l *logging.Logger) RedisBusOption {
	return func(b *RedisBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRedisBusPollInterval overrides the inbox scan interval.
func WithRedisBusPollInterval(d time.Duration) RedisBusOption {
	return func(b *RedisBus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewRedisBus connects to the Redis server at addr and verifies the
// connection before returning.
func NewRedisBus(addr string, opts ...RedisBusOption) (*RedisBus, error) {
	if addr == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "redis address is required")
	}
	b := &RedisBus{
		rdb:          redis.NewClient(&redis.Options{Addr: addr}),
		logger:       logging.NewNop(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		_ = b.rdb.Close()
		return nil, core.ErrUnavailable(core.CodeBusUnavailable,
			fmt.Sprintf("redis at %s unreachable", addr)).WithCause(err)
	}
	return b, nil
}

var _ Bus = (*RedisBus)(nil)

// inboxKey returns the Redis list key holding agentID's queued messages.
func inboxKey(agentID string) string {
	return fmt.Sprintf("agentbus:inbox:%s", agentID)
}

// Send appends the message to the recipient's inbox list.
func (b *RedisBus) Send(ctx context.Context, msg *Message) error {
	if err := Validate(msg); err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return core.ErrInternal("PAYLOAD_ENCODE_FAILED", "encoding message").WithCause(err)
	}
	if err := b.rdb.RPush(ctx, inboxKey(msg.To), raw).Err(); err != nil {
		return core.ErrUnavailable(core.CodeBusUnavailable, "pushing message").WithCause(err)
	}
	return nil
}

// Poll scans the recipient's inbox until a batch appears or the timeout
// elapses.
func (b *RedisBus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		batch, err := b.take(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

// take reads the whole inbox, then trims exactly the read count off the
// head. Messages pushed between read and trim sit past the read range and
// survive. A failed trim re-delivers the batch on the next poll.
func (b *RedisBus) take(ctx context.Context, agentID string) ([]*Message, error) {
	key := inboxKey(agentID)
	raws, err := b.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, core.ErrUnavailable(core.CodeBusUnavailable, "reading inbox").WithCause(err)
	}
	if len(raws) == 0 {
		return nil, nil
	}

	batch := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, core.ErrState(core.CodeStateCorrupted, "decoding queued message").WithCause(err)
		}
		batch = append(batch, &msg)
	}

	if err := b.rdb.LTrim(ctx, key, int64(len(raws)), -1).Err(); err != nil {
		b.logger.Warn("inbox not trimmed, batch will re-deliver", "agent", agentID, "error", err)
	}
	return batch, nil
}
