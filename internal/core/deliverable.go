package core

import "time"

// ChangeSummary describes one logical change in the deliverable.
type ChangeSummary struct {
	TaskID      string   `json:"taskId"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	GitBranch   string   `json:"gitBranch,omitempty"`
	Commits     []string `json:"commits,omitempty"`
}

// Deliverable is assembled in the delivery phase and handed to the
// principal for final confirmation.
type Deliverable struct {
	SummaryReport string          `json:"summaryReport"`
	Changes       []ChangeSummary `json:"changes"`
	TestResults   *QualityResults `json:"testResults,omitempty"`
	ReviewHistory []ReviewRecord  `json:"reviewHistory,omitempty"`
	Artifacts     []string        `json:"artifacts,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Clone returns a deep copy of the deliverable.
func (d *Deliverable) Clone() *Deliverable {
	if d == nil {
		return nil
	}
	c := *d
	c.Changes = make([]ChangeSummary, len(d.Changes))
	for i, ch := range d.Changes {
		ch.Files = append([]string(nil), ch.Files...)
		ch.Commits = append([]string(nil), ch.Commits...)
		c.Changes[i] = ch
	}
	c.TestResults = d.TestResults.Clone()
	c.ReviewHistory = append([]ReviewRecord(nil), d.ReviewHistory...)
	c.Artifacts = append([]string(nil), d.Artifacts...)
	return &c
}
