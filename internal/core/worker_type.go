package core

import "fmt"

// WorkerType classifies the specialist a subtask needs.
type WorkerType string

const (
	WorkerTypeDeveloper WorkerType = "developer"
	WorkerTypeTest      WorkerType = "test"
	WorkerTypeReview    WorkerType = "review"
	WorkerTypeResearch  WorkerType = "research"
	WorkerTypeDesign    WorkerType = "design"
)

// AllWorkerTypes returns the built-in worker types.
func AllWorkerTypes() []WorkerType {
	return []WorkerType{WorkerTypeDeveloper, WorkerTypeTest, WorkerTypeReview, WorkerTypeResearch, WorkerTypeDesign}
}

// ValidWorkerType checks if a worker type string is valid.
func ValidWorkerType(t WorkerType) bool {
	switch t {
	case WorkerTypeDeveloper, WorkerTypeTest, WorkerTypeReview, WorkerTypeResearch, WorkerTypeDesign:
		return true
	default:
		return false
	}
}

// ParseWorkerType converts a string to a WorkerType with validation.
func ParseWorkerType(s string) (WorkerType, error) {
	t := WorkerType(s)
	if !ValidWorkerType(t) {
		return "", fmt.Errorf("invalid worker type: %s", s)
	}
	return t, nil
}

// String returns the string representation of the worker type.
func (t WorkerType) String() string {
	return string(t)
}
