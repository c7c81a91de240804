package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_message_spool.sql
var busMigrationV1 string

// SQLiteBus spools messages in a single SQLite database. The row sequence
// preserves send order; a batch is deleted in the same transaction that
// reads it, so an interrupted consumer sees the batch again.
type SQLiteBus struct {
	db           *sql.DB
	pollInterval time.Duration
}

// SQLiteBusOption configures the SQLite bus.
type SQLiteBusOption func(*SQLiteBus)

// WithSQLiteBusPollInterval overrides the spool scan interval.
func WithSQLiteBusPollInterval(d time.Duration) SQLiteBusOption {
	return func(b *SQLiteBus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewSQLiteBus opens or creates the spool database at dbPath.
func NewSQLiteBus(dbPath string, opts ...SQLiteBusOption) (*SQLiteBus, error) {
	b := &SQLiteBus{pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(b)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, core.ErrState(core.CodePersistFailed, "creating spool directory").WithCause(err)
	}

	// WAL mode keeps senders and the poller from blocking each other.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, core.ErrUnavailable(core.CodeBusUnavailable, "opening spool database").WithCause(err)
	}
	b.db = db

	if err := b.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, core.ErrState(core.CodeStateCorrupted,
				fmt.Sprintf("running migrations: %v (close error: %v)", err, closeErr))
		}
		return nil, core.ErrState(core.CodeStateCorrupted, "running migrations").WithCause(err)
	}
	return b, nil
}

var _ Bus = (*SQLiteBus)(nil)

func (b *SQLiteBus) migrate() error {
	var version int
	err := b.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}
	if version < 1 {
		if _, err := b.db.Exec(busMigrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Send inserts the message into the spool.
func (b *SQLiteBus) Send(ctx context.Context, msg *Message) error {
	if err := Validate(msg); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO messages (id, type, sender, recipient, payload, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, string(msg.Type), msg.From, msg.To,
		string(msg.Payload), msg.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return core.ErrUnavailable(core.CodeBusUnavailable, "inserting message").WithCause(err)
	}
	return nil
}

// Poll scans the spool until a batch appears for agentID or the timeout
// elapses.
func (b *SQLiteBus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error) {
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

// Close closes the spool database.
func (b *SQLiteBus) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// take reads and deletes the recipient's queued messages in one
// transaction. A failed commit leaves the rows in place for re-delivery.
func (b *SQLiteBus) take(ctx context.Context, agentID string) ([]*Message, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.ErrUnavailable(core.CodeBusUnavailable, "beginning transaction").WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	batch, lastSeq, err := scanSpool(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM messages WHERE recipient = ? AND seq <= ?", agentID, lastSeq)
	if err != nil {
		return nil, core.ErrUnavailable(core.CodeBusUnavailable, "removing delivered messages").WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, core.ErrUnavailable(core.CodeBusUnavailable, "committing delivery").WithCause(err)
	}
	return batch, nil
}

func scanSpool(ctx context.Context, tx *sql.Tx, agentID string) ([]*Message, int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, id, type, sender, recipient, payload, sent_at
		FROM messages WHERE recipient = ? ORDER BY seq
	`, agentID)
	if err != nil {
		return nil, 0, core.ErrUnavailable(core.CodeBusUnavailable, "querying messages").WithCause(err)
	}
	defer rows.Close()

	var batch []*Message
	var lastSeq int64
	for rows.Next() {
		var (
			seq     int64
			id      string
			typ     string
			from    string
			to      string
			payload sql.NullString
			sentAt  string
		)
		if err := rows.Scan(&seq, &id, &typ, &from, &to, &payload, &sentAt); err != nil {
			return nil, 0, core.ErrState(core.CodeStateCorrupted, "scanning message row").WithCause(err)
		}
		ts, err := time.Parse(time.RFC3339Nano, sentAt)
		if err != nil {
			return nil, 0, core.ErrState(core.CodeStateCorrupted,
				fmt.Sprintf("message %s has a bad timestamp", id)).WithCause(err)
		}
		msg := &Message{ID: id, Type: MessageType(typ), From: from, To: to, Timestamp: ts}
		if payload.Valid && payload.String != "" {
			msg.Payload = json.RawMessage(payload.String)
		}
		batch = append(batch, msg)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, core.ErrUnavailable(core.CodeBusUnavailable, "iterating messages").WithCause(err)
	}
	return batch, lastSeq, nil
}
