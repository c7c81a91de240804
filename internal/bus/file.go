package bus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/fsutil"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// FileBus spools one message per file under <root>/<agentID>/. Messages
// survive restarts. File names start with the zero-padded send time so a
// lexicographic directory scan yields FIFO order; a per-process sequence
// number breaks ties within one nanosecond.
type FileBus struct {
	root         string
	clock        core.Clock
	logger       *logging.Logger
	pollInterval time.Duration

	mu  sync.Mutex
	seq uint64
}

// FileBusOption configures the file bus.
type FileBusOption func(*FileBus)

// WithFileBusClock injects the timestamp source.
func WithFileBusClock(c core.Clock) FileBusOption {
	return func(b *FileBus) { b.clock = c }
}

// WithFileBusLogger attaches a logger.
func WithFileBusLogger(l *logging.Logger) FileBusOption {
	return func(b *FileBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithFileBusPollInterval overrides the spool scan interval.
func WithFileBusPollInterval(d time.Duration) FileBusOption {
	return func(b *FileBus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewFileBus creates a file-backed bus rooted at dir.
func NewFileBus(dir string, opts ...FileBusOption) (*FileBus, error) {
	b := &FileBus{
		root:         dir,
		clock:        core.SystemClock(),
		logger:       logging.NewNop(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, core.ErrState(core.CodePersistFailed, "creating message spool root").WithCause(err)
	}
	return b, nil
}

var _ Bus = (*FileBus)(nil)

// Send writes the message atomically into the recipient's spool directory.
func (b *FileBus) Send(ctx context.Context, msg *Message) error {
	if err := Validate(msg); err != nil {
		return err
	}
	if err := checkAgentID(msg.To); err != nil {
		return err
	}

	b.mu.Lock()
	b.seq++
	name := fmt.Sprintf("%020d-%06d-%s.json", b.clock.Now().UnixNano(), b.seq, msg.ID)
	b.mu.Unlock()

	dir := filepath.Join(b.root, msg.To)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return core.ErrState(core.CodePersistFailed, "creating recipient spool").WithCause(err)
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, name), msg, 0o640); err != nil {
		return core.ErrState(core.CodePersistFailed, "writing message file").WithCause(err)
	}
	return nil
}

// Poll scans the recipient's spool until a batch appears or the timeout
// elapses.
func (b *FileBus) Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error) {
	if err := checkAgentID(agentID); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		batch, err := b.drain(agentID)
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

// Close is a no-op; the spool lives on disk.
func (b *FileBus) Close() error { return nil }

// drain reads every spooled message for agentID in file-name order, then
// removes the files. A file that cannot be removed stays in the spool and
// is re-delivered on the next poll.
func (b *FileBus) drain(agentID string) ([]*Message, error) {
	dir := filepath.Join(b.root, agentID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "reading message spool").WithCause(err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var batch []*Message
	var delivered []string
	for _, name := range names {
		path := filepath.Join(dir, name)
		var msg Message
		if err := fsutil.ReadJSON(path, &msg); err != nil {
			// Quarantine rather than blocking the queue on one bad file.
			b.logger.Warn("quarantining unreadable message", "file", name, "error", err)
			_ = os.Rename(path, path+".corrupt")
			continue
		}
		batch = append(batch, &msg)
		delivered = append(delivered, path)
	}

	for _, path := range delivered {
		if err := os.Remove(path); err != nil {
			b.logger.Warn("message file not removed, will re-deliver",
				"file", filepath.Base(path), "error", err)
		}
	}
	return batch, nil
}

// checkAgentID rejects ids that cannot serve as a spool directory name.
func checkAgentID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return core.ErrValidation(core.CodeInvalidMessage, fmt.Sprintf("invalid agent id %q", id))
	}
	return nil
}
