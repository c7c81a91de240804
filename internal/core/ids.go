package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// WorkflowID identifies a workflow. Format: wf-<8 hex chars>.
type WorkflowID string

// String returns the string representation of the workflow ID.
func (id WorkflowID) String() string {
	return string(id)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by the wall clock (UTC).
func SystemClock() Clock { return systemClock{} }

var (
	workflowIDPattern = regexp.MustCompile(`^wf-[0-9a-f]{8}$`)
	runIDPattern      = regexp.MustCompile(`^run-\d{8}-\d{6}-[0-9a-z]{5}$`)
)

// NewWorkflowID generates a fresh workflow ID.
func NewWorkflowID() WorkflowID {
	return WorkflowID("wf-" + randomHex(4))
}

// ValidWorkflowID reports whether s has the wf-<8 hex> shape.
func ValidWorkflowID(s string) bool {
	return workflowIDPattern.MatchString(s)
}

// NewRunID generates a run identifier around the given instant.
// Run IDs sort roughly by creation time and carry a random suffix so
// that two runs started in the same second stay distinct.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), randomBase36(5))
}

// ValidRunID reports whether s has the run-<ts>-<rand> shape.
func ValidRunID(s string) bool {
	return runIDPattern.MatchString(s)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a time-derived value rather than panicking mid-workflow.
		ts := time.Now().UnixNano()
		for i := range b {
			b[i] = byte(ts >> (8 * i))
		}
	}
	return hex.EncodeToString(b)
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		ts := time.Now().UnixNano()
		for i := range b {
			b[i] = byte(ts >> (8 * i))
		}
	}
	for i := range b {
		b[i] = base36Alphabet[int(b[i])%len(base36Alphabet)]
	}
	return string(b)
}
