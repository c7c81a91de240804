package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentcompany/agentcompany/internal/container"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// Status of a pooled worker.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusWorking    Status = "working"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// DefaultStallTimeout is how long a worker may hold one task before the
// health sweep evicts it.
const DefaultStallTimeout = 10 * time.Minute

// Info is a point-in-time copy of one pooled worker.
type Info struct {
	ID            string          `json:"id"`
	Type          core.WorkerType `json:"type"`
	Status        Status          `json:"status"`
	TaskID        string          `json:"taskId,omitempty"`
	ContainerName string          `json:"containerName,omitempty"`
	SpawnedAt     time.Time       `json:"spawnedAt"`
	IdleSince     time.Time       `json:"idleSince,omitempty"`
	LastActive    time.Time       `json:"lastActive"`
	TasksDone     int             `json:"tasksDone"`
}

type pooled struct {
	info      Info
	container *container.WorkerContainer
}

// Pool holds live workers up to a fixed capacity. Spawning takes a
// semaphore slot; the slot is returned only when the worker leaves the
// pool (terminate, error eviction, shutdown), so idle workers still
// count against capacity.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*pooled
	gone    map[string]Status
	closed  bool
	seq     int

	sem          *semaphore.Weighted
	max          int
	clock        core.Clock
	logger       *logging.Logger
	stallTimeout time.Duration
	destructors  []func(Info)
	probe        func(context.Context, *container.WorkerContainer) bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolClock injects the timestamp source.
func WithPoolClock(c core.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// WithPoolLogger attaches a logger.
func WithPoolLogger(l *logging.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithStallTimeout overrides the health sweep threshold.
func WithStallTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.stallTimeout = d
		}
	}
}

// WithDestructor registers a hook run after a worker's container is torn
// down, on release and on eviction.
func WithDestructor(fn func(Info)) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.destructors = append(p.destructors, fn)
		}
	}
}

// WithHealthProbe overrides how the sweep decides a container is alive.
func WithHealthProbe(fn func(context.Context, *container.WorkerContainer) bool) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.probe = fn
		}
	}
}

// NewPool creates a pool bounded at maxWorkers live workers.
func NewPool(maxWorkers int, opts ...PoolOption) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &Pool{
		workers:      make(map[string]*pooled),
		gone:         make(map[string]Status),
		sem:          semaphore.NewWeighted(int64(maxWorkers)),
		max:          maxWorkers,
		clock:        core.SystemClock(),
		logger:       logging.NewNop(),
		stallTimeout: DefaultStallTimeout,
		probe:        defaultProbe,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultProbe(_ context.Context, wc *container.WorkerContainer) bool {
	return wc != nil && wc.State() == container.StateRunning
}

// Capacity returns the live-worker bound.
func (p *Pool) Capacity() int { return p.max }

// Len returns the number of live workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// AcquireByType hands out a worker of the given type for assignment.
// The longest-idle matching worker is reused; with none idle a new
// worker is spawned if capacity allows. Both the worker and nil being
// returned without error means the pool is full.
func (p *Pool) AcquireByType(_ context.Context, t core.WorkerType) (*Info, error) {
	if !core.ValidWorkerType(t) {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "unknown worker type: "+string(t))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, core.ErrUnavailable(core.CodeWorkerUnavailable, "worker pool is shut down")
	}

	now := p.clock.Now()
	var pick *pooled
	for _, w := range p.workers {
		if w.info.Type != t || w.info.Status != StatusIdle {
			continue
		}
		if pick == nil || w.info.IdleSince.Before(pick.info.IdleSince) {
			pick = w
		}
	}
	if pick != nil {
		pick.info.Status = StatusWorking
		pick.info.TaskID = ""
		pick.info.LastActive = now
		cp := pick.info
		return &cp, nil
	}

	if !p.sem.TryAcquire(1) {
		return nil, nil
	}
	p.seq++
	w := &pooled{info: Info{
		ID:         fmt.Sprintf("worker-%d", p.seq),
		Type:       t,
		Status:     StatusWorking,
		SpawnedAt:  now,
		LastActive: now,
	}}
	p.workers[w.info.ID] = w
	p.logger.Info("worker spawned", "worker", w.info.ID, "type", t, "pool", len(p.workers))
	cp := w.info
	return &cp, nil
}

// AttachContainer binds a sandbox container to a worker.
func (p *Pool) AttachContainer(workerID string, wc *container.WorkerContainer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, err := p.live(workerID)
	if err != nil {
		return err
	}
	w.container = wc
	if wc != nil {
		w.info.ContainerName = wc.Name()
	}
	return nil
}

// Container returns the sandbox bound to a worker, if any.
func (p *Pool) Container(workerID string) *container.WorkerContainer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		return w.container
	}
	return nil
}

// Assign records the task a working worker is executing.
func (p *Pool) Assign(workerID, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, err := p.live(workerID)
	if err != nil {
		return err
	}
	if w.info.Status != StatusWorking {
		return core.ErrConflict(core.CodeInvalidStatus,
			fmt.Sprintf("worker %s is %s, cannot assign", workerID, w.info.Status))
	}
	w.info.TaskID = taskID
	w.info.LastActive = p.clock.Now()
	return nil
}

// Release tears down the worker's container and returns it to idle.
// The container object stays attached so the next acquisition can
// create a fresh sandbox under the same name.
func (p *Pool) Release(ctx context.Context, workerID string) error {
	p.mu.Lock()
	w, err := p.live(workerID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	wc := w.container
	p.mu.Unlock()

	if wc != nil {
		if err := wc.Destroy(ctx, true); err != nil {
			p.logger.Warn("container teardown failed on release, evicting worker",
				"worker", workerID, "error", err)
			p.evict(ctx, workerID, StatusError)
			return err
		}
	}

	p.mu.Lock()
	w, err = p.live(workerID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	now := p.clock.Now()
	w.info.Status = StatusIdle
	w.info.TaskID = ""
	w.info.IdleSince = now
	w.info.LastActive = now
	w.info.TasksDone++
	cp := w.info
	p.mu.Unlock()

	p.runDestructors(cp)
	return nil
}

// Pause parks an idle worker so it cannot be acquired.
func (p *Pool) Pause(workerID string) error {
	return p.shift(workerID, StatusIdle, StatusPaused)
}

// Resume returns a paused worker to the idle set.
func (p *Pool) Resume(workerID string) error {
	if err := p.shift(workerID, StatusPaused, StatusIdle); err != nil {
		return err
	}
	p.mu.Lock()
	if w, ok := p.workers[workerID]; ok {
		w.info.IdleSince = p.clock.Now()
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool) shift(workerID string, from, to Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, err := p.live(workerID)
	if err != nil {
		return err
	}
	if w.info.Status != from {
		return core.ErrConflict(core.CodeInvalidStatus,
			fmt.Sprintf("worker %s is %s, not %s", workerID, w.info.Status, from))
	}
	w.info.Status = to
	return nil
}

// Terminate removes a worker permanently. Terminated workers never
// re-enter the pool; terminating one twice is a no-op.
func (p *Pool) Terminate(ctx context.Context, workerID string) error {
	p.mu.Lock()
	if p.gone[workerID] == StatusTerminated {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.workers[workerID]; !ok {
		p.mu.Unlock()
		return core.ErrNotFound("worker", workerID)
	}
	p.mu.Unlock()

	p.evict(ctx, workerID, StatusTerminated)
	return nil
}

// MarkError evicts a worker after a fault.
func (p *Pool) MarkError(ctx context.Context, workerID, reason string) error {
	p.mu.Lock()
	if _, ok := p.workers[workerID]; !ok {
		p.mu.Unlock()
		return core.ErrNotFound("worker", workerID)
	}
	p.mu.Unlock()

	p.logger.Warn("worker marked errored", "worker", workerID, "reason", reason)
	p.evict(ctx, workerID, StatusError)
	return nil
}

// evict removes a worker from the pool, tears its container down best
// effort, releases the capacity slot and records the terminal status.
func (p *Pool) evict(ctx context.Context, workerID string, terminal Status) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.workers, workerID)
	p.gone[workerID] = terminal
	w.info.Status = terminal
	cp := w.info
	wc := w.container
	p.mu.Unlock()

	if wc != nil {
		if err := wc.Destroy(ctx, true); err != nil {
			p.logger.Warn("container teardown failed on eviction",
				"worker", workerID, "error", err)
		}
	}
	p.sem.Release(1)
	p.runDestructors(cp)
}

// SweepStalled evicts working workers that exceeded the stall timeout
// or whose container is no longer alive. It returns the evicted ids.
func (p *Pool) SweepStalled(ctx context.Context) []string {
	now := p.clock.Now()

	type candidate struct {
		id      string
		stalled bool
		wc      *container.WorkerContainer
	}
	p.mu.Lock()
	var cands []candidate
	for id, w := range p.workers {
		if w.info.Status != StatusWorking {
			continue
		}
		cands = append(cands, candidate{
			id:      id,
			stalled: now.Sub(w.info.LastActive) > p.stallTimeout,
			wc:      w.container,
		})
	}
	p.mu.Unlock()

	var evicted []string
	for _, c := range cands {
		switch {
		case c.stalled:
			p.logger.Warn("worker stalled", "worker", c.id, "timeout", p.stallTimeout)
		case !p.probe(ctx, c.wc):
			p.logger.Warn("worker container unhealthy", "worker", c.id)
		default:
			continue
		}
		p.evict(ctx, c.id, StatusError)
		evicted = append(evicted, c.id)
	}
	sort.Strings(evicted)
	return evicted
}

// Shutdown evicts every worker and closes the pool for acquisition.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var errs []error
	sort.Strings(ids)
	for _, id := range ids {
		p.mu.Lock()
		var wc *container.WorkerContainer
		if w, ok := p.workers[id]; ok {
			wc = w.container
		}
		p.mu.Unlock()
		if wc != nil {
			if err := wc.Destroy(ctx, true); err != nil {
				errs = append(errs, fmt.Errorf("worker %s: %w", id, err))
			}
		}
		p.mu.Lock()
		if _, ok := p.workers[id]; ok {
			delete(p.workers, id)
			p.gone[id] = StatusTerminated
			p.sem.Release(1)
		}
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Get returns a copy of one worker's state.
func (p *Pool) Get(workerID string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		return w.info, true
	}
	if st, ok := p.gone[workerID]; ok {
		return Info{ID: workerID, Status: st}, true
	}
	return Info{}, false
}

// Snapshot returns a copy of every live worker, oldest first.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].SpawnedAt.Before(out[j].SpawnedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// live looks a worker up, translating tombstones into conflicts.
func (p *Pool) live(workerID string) (*pooled, error) {
	if w, ok := p.workers[workerID]; ok {
		return w, nil
	}
	if st, ok := p.gone[workerID]; ok {
		return nil, core.ErrConflict(core.CodeInvalidStatus,
			fmt.Sprintf("worker %s is %s", workerID, st))
	}
	return nil, core.ErrNotFound("worker", workerID)
}

func (p *Pool) runDestructors(info Info) {
	for _, fn := range p.destructors {
		fn(info)
	}
}
