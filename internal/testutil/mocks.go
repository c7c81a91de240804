package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
)

// ScriptedChat implements core.ChatCompletion for tests. Responses are
// served in script order; once the script runs out the default response
// repeats. A responder function, when set, takes precedence over both.
type ScriptedChat struct {
	mu        sync.Mutex
	script    []string
	next      int
	def       string
	err       error
	responder func(core.ChatRequest) (string, error)
	calls     []core.ChatRequest
}

// NewScriptedChat creates a chat mock with a generic default response.
func NewScriptedChat() *ScriptedChat {
	return &ScriptedChat{def: "Done. Implemented as requested."}
}

// WithScript queues responses served one per call.
func (c *ScriptedChat) WithScript(responses ...string) *ScriptedChat {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, responses...)
	return c
}

// WithDefault sets the response used once the script is exhausted.
func (c *ScriptedChat) WithDefault(response string) *ScriptedChat {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.def = response
	return c
}

// WithError makes every call fail.
func (c *ScriptedChat) WithError(err error) *ScriptedChat {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	return c
}

// WithResponder installs a per-request function.
func (c *ScriptedChat) WithResponder(fn func(core.ChatRequest) (string, error)) *ScriptedChat {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = fn
	return c
}

// Complete implements core.ChatCompletion.
func (c *ScriptedChat) Complete(ctx context.Context, req core.ChatRequest) (*core.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return nil, c.err
	}
	if c.responder != nil {
		content, err := c.responder(req)
		if err != nil {
			return nil, err
		}
		return &core.ChatResponse{Content: content, TokensUsed: len(content) / 4}, nil
	}
	content := c.def
	if c.next < len(c.script) {
		content = c.script[c.next]
		c.next++
	}
	return &core.ChatResponse{Content: content, TokensUsed: len(content) / 4}, nil
}

// CallCount returns how many completions were requested.
func (c *ScriptedChat) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Calls returns a copy of every request seen so far.
func (c *ScriptedChat) Calls() []core.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.ChatRequest, len(c.calls))
	copy(out, c.calls)
	return out
}

var _ core.ChatCompletion = (*ScriptedChat)(nil)

// RecorderVCS implements core.VCS by recording calls and fabricating
// commit ids. Merge conflicts can be injected per source branch.
type RecorderVCS struct {
	mu        sync.Mutex
	branches  []string
	commits   []string
	merges    []core.MergeReport
	conflicts map[string][]string
	failWith  error
	seq       int
}

// NewRecorderVCS creates an empty recorder.
func NewRecorderVCS() *RecorderVCS {
	return &RecorderVCS{conflicts: make(map[string][]string)}
}

// WithConflict makes merges from branch report the given conflict files.
func (v *RecorderVCS) WithConflict(branch string, files ...string) *RecorderVCS {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conflicts[branch] = files
	return v
}

// WithError makes every operation fail.
func (v *RecorderVCS) WithError(err error) *RecorderVCS {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failWith = err
	return v
}

// CreateBranch implements core.VCS.
func (v *RecorderVCS) CreateBranch(ctx context.Context, projectDir, branch, base string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failWith != nil {
		return v.failWith
	}
	v.branches = append(v.branches, branch)
	return nil
}

// Commit implements core.VCS.
func (v *RecorderVCS) Commit(ctx context.Context, projectDir, branch, message string, paths []string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failWith != nil {
		return "", v.failWith
	}
	v.seq++
	id := fmt.Sprintf("commit-%04d", v.seq)
	v.commits = append(v.commits, id)
	return id, nil
}

// Merge implements core.VCS.
func (v *RecorderVCS) Merge(ctx context.Context, projectDir, from, into string) (*core.MergeReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failWith != nil {
		return nil, v.failWith
	}
	report := &core.MergeReport{
		From:      from,
		Into:      into,
		Commits:   append([]string(nil), v.commits...),
		Conflicts: v.conflicts[from],
		MergedAt:  time.Now().UTC(),
	}
	v.merges = append(v.merges, *report)
	return report, nil
}

// Branches returns the branches created so far.
func (v *RecorderVCS) Branches() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.branches...)
}

// Merges returns the merges performed so far.
func (v *RecorderVCS) Merges() []core.MergeReport {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]core.MergeReport(nil), v.merges...)
}

var _ core.VCS = (*RecorderVCS)(nil)

// FixedClock implements core.Clock with a settable instant.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock creates a clock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t.UTC()}
}

// Now implements core.Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var _ core.Clock = (*FixedClock)(nil)
