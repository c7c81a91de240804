package core

import "time"

// QualityCheckOutputSkipped is the recorded output of a check that never ran.
const QualityCheckOutputSkipped = "skipped"

// QualityCheckResult is the outcome of a single gate check (lint or test).
type QualityCheckResult struct {
	Passed     bool      `json:"passed"`
	Skipped    bool      `json:"skipped,omitempty"`
	Output     string    `json:"output"`
	Errors     []string  `json:"errors,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	DurationMs int64     `json:"durationMs"`
	FinishedAt time.Time `json:"finishedAt"`
}

// SkippedCheck builds the placeholder result for a check that was skipped
// because an earlier check already failed.
func SkippedCheck(now time.Time) *QualityCheckResult {
	return &QualityCheckResult{
		Passed:     false,
		Skipped:    true,
		Output:     QualityCheckOutputSkipped,
		FinishedAt: now,
	}
}

// QualityResults aggregates the quality assurance phase outcome.
type QualityResults struct {
	Lint        *QualityCheckResult `json:"lintResult,omitempty"`
	Test        *QualityCheckResult `json:"testResult,omitempty"`
	FinalReview *ReviewRecord       `json:"finalReviewResult,omitempty"`
}

// Passed reports whether every executed check succeeded.
func (q *QualityResults) Passed() bool {
	if q == nil {
		return false
	}
	if q.Lint == nil || !q.Lint.Passed {
		return false
	}
	if q.Test == nil || !q.Test.Passed {
		return false
	}
	return true
}

// Clone returns a deep copy of the results.
func (q *QualityResults) Clone() *QualityResults {
	if q == nil {
		return nil
	}
	c := &QualityResults{}
	if q.Lint != nil {
		l := *q.Lint
		l.Errors = append([]string(nil), q.Lint.Errors...)
		l.Warnings = append([]string(nil), q.Lint.Warnings...)
		c.Lint = &l
	}
	if q.Test != nil {
		t := *q.Test
		t.Errors = append([]string(nil), q.Test.Errors...)
		t.Warnings = append([]string(nil), q.Test.Warnings...)
		c.Test = &t
	}
	if q.FinalReview != nil {
		r := *q.FinalReview
		c.FinalReview = &r
	}
	return c
}

// ReviewRecord is one review verdict, kept in the deliverable history and
// mirrored into reviews.log.
type ReviewRecord struct {
	TicketID   string    `json:"ticketId"`
	WorkerID   string    `json:"workerId,omitempty"`
	ReviewerID string    `json:"reviewerId,omitempty"`
	Approved   bool      `json:"approved"`
	Checklist  string    `json:"checklist,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
	ReviewedAt time.Time `json:"reviewedAt"`
}
