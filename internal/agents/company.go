package agents

import (
	"context"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
	"github.com/agentcompany/agentcompany/internal/worker"
)

// Standing agent identities. Meetings invite the leads; review requests
// go to the review lead.
const (
	LeadDeveloper = "lead-developer"
	QALead        = "qa-lead"
	ReviewLead    = "review-lead"
	ResearchLead  = "research-lead"
	DesignLead    = "design-lead"
)

// Company owns the standing agents and the per-worker execution loops.
// Start brings the standing roster online; EnsureWorker attaches a loop
// to a pool worker when the dispatcher first addresses it.
type Company struct {
	bus    bus.Bus
	chat   core.ChatCompletion
	runner *worker.Runner
	logger *logging.Logger
	window time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	root    context.Context
	stop    context.CancelFunc
}

// CompanyOption configures a Company.
type CompanyOption func(*Company)

// WithCompanyLogger attaches a logger.
func WithCompanyLogger(l *logging.Logger) CompanyOption {
	return func(c *Company) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCompanyPollWindow overrides the agents' inbox poll window.
func WithCompanyPollWindow(d time.Duration) CompanyOption {
	return func(c *Company) {
		if d > 0 {
			c.window = d
		}
	}
}

// NewCompany creates the roster. chat may be nil (agents fall back to
// deterministic behaviour); runner executes worker assignments.
func NewCompany(b bus.Bus, chat core.ChatCompletion, runner *worker.Runner, opts ...CompanyOption) *Company {
	c := &Company{
		bus:     b,
		chat:    chat,
		runner:  runner,
		logger:  logging.NewNop(),
		window:  DefaultPollWindow,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Participants returns the standing agents meetings should invite.
func (c *Company) Participants() []string {
	return []string{LeadDeveloper, QALead, ReviewLead, ResearchLead, DesignLead}
}

// ReviewerID returns the agent review requests are addressed to.
func (c *Company) ReviewerID() string { return ReviewLead }

// Start brings the standing roster online. It is a no-op when already
// started.
func (c *Company) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root != nil {
		return
	}
	c.root, c.stop = context.WithCancel(ctx)

	standing := map[string]core.WorkerType{
		LeadDeveloper: core.WorkerTypeDeveloper,
		QALead:        core.WorkerTypeTest,
		ReviewLead:    core.WorkerTypeReview,
		ResearchLead:  core.WorkerTypeResearch,
		DesignLead:    core.WorkerTypeDesign,
	}
	for id, t := range standing {
		c.spawnLocked(id, t, false)
	}
	c.logger.Info("company roster online", "agents", len(standing))
}

// EnsureWorker attaches an execution loop to a pool worker. Calling it
// again for a live worker is a no-op.
func (c *Company) EnsureWorker(workerID string, t core.WorkerType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root == nil || c.root.Err() != nil {
		return
	}
	if _, ok := c.cancels[workerID]; ok {
		return
	}
	c.spawnLocked(workerID, t, true)
}

// StopWorker tears down the loop attached to a pool worker.
func (c *Company) StopWorker(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.cancels[workerID]; ok {
		cancel()
		delete(c.cancels, workerID)
	}
}

// spawnLocked starts one agent loop. Worker-bound agents get the runner;
// standing agents only speak and review.
func (c *Company) spawnLocked(id string, t core.WorkerType, executes bool) {
	opts := []AgentOption{
		WithChat(c.chat),
		WithAgentLogger(c.logger),
		WithPollWindow(c.window),
	}
	if executes {
		opts = append(opts, WithRunner(c.runner))
	}
	a := NewAgent(id, t, c.bus, opts...)

	ctx, cancel := context.WithCancel(c.root)
	c.cancels[id] = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		a.Run(ctx)
	}()
}

// Stop cancels every loop and waits for them to drain.
func (c *Company) Stop() {
	c.mu.Lock()
	if c.stop == nil {
		c.mu.Unlock()
		return
	}
	c.stop()
	c.cancels = make(map[string]context.CancelFunc)
	c.mu.Unlock()
	c.wg.Wait()
}
