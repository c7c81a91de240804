// Package tracker keeps append-only time series under the state
// directory: per-agent performance records and per-project tech-debt
// snapshots. Each series is one JSONL file appended with O_APPEND so
// concurrent writers interleave at line granularity.
package tracker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// Series subdirectories under the state dir.
const (
	performanceDir = "performance"
	techDebtDir    = "tech-debt"
)

var safeSeriesID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// PerformanceRecord is one completed assignment seen from the agent's
// side.
type PerformanceRecord struct {
	AgentID    string          `json:"agentId"`
	WorkflowID core.WorkflowID `json:"workflowId"`
	TicketID   string          `json:"ticketId"`
	WorkerType core.WorkerType `json:"workerType"`
	Success    bool            `json:"success"`
	Retries    int             `json:"retries"`
	Duration   time.Duration   `json:"durationNs"`
	TokensUsed int             `json:"tokensUsed"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// TechDebtRecord is one quality-gate outcome for a project, tracked so
// lint and coverage drift is visible across runs.
type TechDebtRecord struct {
	ProjectID  string          `json:"projectId"`
	WorkflowID core.WorkflowID `json:"workflowId"`
	LintPassed bool            `json:"lintPassed"`
	LintIssues int             `json:"lintIssues"`
	TestPassed bool            `json:"testPassed"`
	Coverage   float64         `json:"coverage,omitempty"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// PerformanceSummary aggregates one agent's series.
type PerformanceSummary struct {
	AgentID      string        `json:"agentId"`
	Records      int           `json:"records"`
	Successes    int           `json:"successes"`
	SuccessRate  float64       `json:"successRate"`
	TotalRetries int           `json:"totalRetries"`
	MeanDuration time.Duration `json:"meanDurationNs"`
	TotalTokens  int           `json:"totalTokens"`
}

// Tracker owns the two series families.
type Tracker struct {
	stateDir string
	clock    core.Clock
	logger   *logging.Logger
	mu       sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the timestamp source.
func WithClock(c core.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a tracker rooted at stateDir.
func New(stateDir string, opts ...Option) *Tracker {
	t := &Tracker{
		stateDir: stateDir,
		clock:    core.SystemClock(),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordPerformance appends one record to the agent's series.
func (t *Tracker) RecordPerformance(rec PerformanceRecord) error {
	if rec.AgentID == "" {
		return core.ErrValidation(core.CodeInvalidMessage, "performance record needs agentId")
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = t.clock.Now()
	}
	return t.appendLine(performanceDir, rec.AgentID, rec)
}

// RecordTechDebt appends one record to the project's series.
func (t *Tracker) RecordTechDebt(rec TechDebtRecord) error {
	if rec.ProjectID == "" {
		return core.ErrValidation(core.CodeInvalidMessage, "tech-debt record needs projectId")
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = t.clock.Now()
	}
	return t.appendLine(techDebtDir, rec.ProjectID, rec)
}

// PerformanceHistory reads an agent's series, oldest first. A missing
// series is an empty history, not an error.
func (t *Tracker) PerformanceHistory(agentID string) ([]PerformanceRecord, error) {
	var out []PerformanceRecord
	err := t.readLines(performanceDir, agentID, func(line []byte) error {
		var rec PerformanceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// TechDebtHistory reads a project's series, oldest first.
func (t *Tracker) TechDebtHistory(projectID string) ([]TechDebtRecord, error) {
	var out []TechDebtRecord
	err := t.readLines(techDebtDir, projectID, func(line []byte) error {
		var rec TechDebtRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Summarize aggregates an agent's series into one summary.
func (t *Tracker) Summarize(agentID string) (*PerformanceSummary, error) {
	history, err := t.PerformanceHistory(agentID)
	if err != nil {
		return nil, err
	}
	s := &PerformanceSummary{AgentID: agentID, Records: len(history)}
	var total time.Duration
	for _, rec := range history {
		if rec.Success {
			s.Successes++
		}
		s.TotalRetries += rec.Retries
		s.TotalTokens += rec.TokensUsed
		total += rec.Duration
	}
	if s.Records > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Records)
		s.MeanDuration = total / time.Duration(s.Records)
	}
	return s, nil
}

func (t *Tracker) seriesPath(dir, id string) (string, error) {
	if !safeSeriesID.MatchString(id) {
		return "", core.ErrValidation(core.CodeInvalidMessage,
			fmt.Sprintf("series id %q contains unsafe characters", id))
	}
	return filepath.Join(t.stateDir, dir, id+".jsonl"), nil
}

func (t *Tracker) appendLine(dir, id string, v any) error {
	path, err := t.seriesPath(dir, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return core.ErrInternal(core.CodePersistFailed, "encoding tracker record").WithCause(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.ErrState(core.CodePersistFailed, "creating tracker directory").WithCause(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return core.ErrState(core.CodePersistFailed, "opening tracker series").WithCause(err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return core.ErrState(core.CodePersistFailed, "appending tracker record").WithCause(err)
	}
	return nil
}

func (t *Tracker) readLines(dir, id string, fn func([]byte) error) error {
	path, err := t.seriesPath(dir, id)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.ErrState(core.CodePersistFailed, "opening tracker series").WithCause(err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			t.logger.Warn("skipping corrupt tracker line", "series", id, "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		return core.ErrState(core.CodeStateCorrupted, "reading tracker series").WithCause(err)
	}
	return nil
}
