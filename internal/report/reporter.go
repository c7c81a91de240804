// Package report renders the final run report. Section headings are in
// Japanese, matching what the principal-facing tooling expects, and they
// appear in a fixed order so downstream parsers can split on them.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// Filename is the report file inside the run directory.
const Filename = "report.md"

// Section headings, in required order.
const (
	headingStatus       = "## ステータス"
	headingTimeline     = "## タイムライン"
	headingChanges      = "## 変更点"
	headingQuality      = "## 品質ゲート結果"
	headingConversation = "## 会話サマリー"
	headingArtifacts    = "## 成果物"
)

// Store is the slice of run persistence the reporter needs.
type Store interface {
	LoadTask(runID string) (*core.RunTask, error)
	Artifacts(runID string) ([]core.ArtifactRecord, error)
	LoadMinutes(runID, minutesID string) (*core.MeetingMinutes, error)
	WriteReport(runID, filename, content string) error
}

// Reporter assembles and writes report.md for finished runs.
type Reporter struct {
	store  Store
	logger *logging.Logger
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Reporter) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a reporter over the given store.
func New(store Store, opts ...Option) *Reporter {
	r := &Reporter{store: store, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Write renders the report for wf and persists it in the run directory.
// The rendered markdown is returned so callers can embed it in the
// deliverable.
func (r *Reporter) Write(wf *core.Workflow) (string, error) {
	if wf == nil || wf.RunID == "" {
		return "", core.ErrValidation(core.CodeInvalidMessage, "report needs a workflow with a run id")
	}
	content, err := r.Render(wf)
	if err != nil {
		return "", err
	}
	if err := r.store.WriteReport(wf.RunID, Filename, content); err != nil {
		return "", err
	}
	r.logger.Info("run report written", "run", wf.RunID, "workflow", wf.WorkflowID)
	return content, nil
}

// Render produces the report markdown without writing it.
func (r *Reporter) Render(wf *core.Workflow) (string, error) {
	task, err := r.store.LoadTask(wf.RunID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# 実行レポート: %s\n\n", wf.RunID)
	fmt.Fprintf(&b, "- ワークフロー: %s\n", wf.WorkflowID)
	fmt.Fprintf(&b, "- プロジェクト: %s\n", wf.ProjectID)
	fmt.Fprintf(&b, "- タスク: %s\n\n", task.Instruction)

	r.writeStatus(&b, wf)
	r.writeTimeline(&b, wf)
	r.writeChanges(&b, wf)
	r.writeQuality(&b, wf)
	r.writeConversation(&b, wf)
	r.writeArtifacts(&b, wf)

	return b.String(), nil
}

func (r *Reporter) writeStatus(b *strings.Builder, wf *core.Workflow) {
	b.WriteString(headingStatus + "\n\n")
	fmt.Fprintf(b, "- 状態: %s\n", wf.Status)
	fmt.Fprintf(b, "- フェーズ: %s\n", wf.CurrentPhase)
	fmt.Fprintf(b, "- 開始時刻: %s\n", stamp(wf.CreatedAt))
	fmt.Fprintf(b, "- 終了時刻: %s\n", stamp(wf.UpdatedAt))
	if len(wf.ErrorLog) > 0 {
		fmt.Fprintf(b, "- エラー件数: %d\n", len(wf.ErrorLog))
		last := wf.ErrorLog[len(wf.ErrorLog)-1]
		fmt.Fprintf(b, "- 最終エラー: %s\n", last.Message)
	}
	b.WriteString("\n")
}

func (r *Reporter) writeTimeline(b *strings.Builder, wf *core.Workflow) {
	b.WriteString(headingTimeline + "\n\n")
	if len(wf.PhaseHistory) == 0 {
		b.WriteString("フェーズ遷移はありません。\n\n")
		return
	}
	for _, tr := range wf.PhaseHistory {
		fmt.Fprintf(b, "- %s: %s → %s (%s)\n", stamp(tr.Timestamp), tr.From, tr.To, tr.Reason)
	}
	b.WriteString("\n")
}

func (r *Reporter) writeChanges(b *strings.Builder, wf *core.Workflow) {
	b.WriteString(headingChanges + "\n\n")
	if wf.Deliverable == nil || len(wf.Deliverable.Changes) == 0 {
		b.WriteString("変更はありません。\n\n")
		return
	}
	for _, ch := range wf.Deliverable.Changes {
		fmt.Fprintf(b, "### %s\n\n%s\n\n", ch.TaskID, ch.Description)
		if ch.GitBranch != "" {
			fmt.Fprintf(b, "- ブランチ: %s\n", ch.GitBranch)
		}
		for _, f := range ch.Files {
			fmt.Fprintf(b, "- %s\n", f)
		}
		if len(ch.Files) > 0 || ch.GitBranch != "" {
			b.WriteString("\n")
		}
	}
}

func (r *Reporter) writeQuality(b *strings.Builder, wf *core.Workflow) {
	b.WriteString(headingQuality + "\n\n")
	q := wf.QualityResults
	if q == nil {
		b.WriteString("品質ゲートは実行されていません。\n\n")
		return
	}
	writeCheck(b, "Lint", q.Lint)
	writeCheck(b, "Test", q.Test)
	if q.FinalReview != nil {
		verdict := "approved"
		if !q.FinalReview.Approved {
			verdict = "rejected"
		}
		fmt.Fprintf(b, "- 最終レビュー: %s (%s)\n", verdict, q.FinalReview.ReviewerID)
	}
	b.WriteString("\n")
}

func writeCheck(b *strings.Builder, name string, c *core.QualityCheckResult) {
	if c == nil {
		fmt.Fprintf(b, "- %s: 未実行\n", name)
		return
	}
	switch {
	case c.Skipped:
		fmt.Fprintf(b, "- %s: skipped\n", name)
	case c.Passed:
		fmt.Fprintf(b, "- %s: passed (%dms)\n", name, c.DurationMs)
	default:
		fmt.Fprintf(b, "- %s: failed (%dms)\n", name, c.DurationMs)
		for _, e := range c.Errors {
			fmt.Fprintf(b, "  - %s\n", e)
		}
	}
}

func (r *Reporter) writeConversation(b *strings.Builder, wf *core.Workflow) {
	b.WriteString(headingConversation + "\n\n")
	if len(wf.MeetingMinutesIDs) == 0 {
		b.WriteString("会議は行われていません。\n\n")
		return
	}
	for _, id := range wf.MeetingMinutesIDs {
		m, err := r.store.LoadMinutes(wf.RunID, id)
		if err != nil {
			r.logger.Warn("minutes unavailable for report", "run", wf.RunID, "minutes", id, "error", err)
			fmt.Fprintf(b, "- %s: (議事録を読み込めませんでした)\n", id)
			continue
		}
		fmt.Fprintf(b, "- %s: %s\n", m.Topic, m.Summary)
	}
	b.WriteString("\n")
}

func (r *Reporter) writeArtifacts(b *strings.Builder, wf *core.Workflow) {
	b.WriteString(headingArtifacts + "\n\n")
	arts, err := r.store.Artifacts(wf.RunID)
	if err != nil {
		r.logger.Warn("artifact index unavailable for report", "run", wf.RunID, "error", err)
	}
	if len(arts) == 0 {
		b.WriteString("成果物はありません。\n")
		return
	}
	for _, a := range arts {
		fmt.Fprintf(b, "- %s (%s, %d bytes)\n", a.Name, a.Action, a.SizeBytes)
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
