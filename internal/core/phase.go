package core

import "fmt"

// Phase represents a stage in the workflow lifecycle.
type Phase string

const (
	// PhaseProposal is the first phase where the company meets and
	// produces an execution proposal for the instruction.
	PhaseProposal Phase = "proposal"

	// PhaseApproval is the second phase where the proposal waits for a
	// principal decision (approve / request_revision / reject).
	PhaseApproval Phase = "approval"

	// PhaseDevelopment is the third phase where subtasks are dispatched
	// to workers in dependency order and reviewed.
	PhaseDevelopment Phase = "development"

	// PhaseQualityAssurance is the fourth phase where lint and tests run
	// against the integrated result.
	PhaseQualityAssurance Phase = "quality_assurance"

	// PhaseDelivery is the final phase where the deliverable is assembled,
	// reported, and confirmed by the principal.
	PhaseDelivery Phase = "delivery"
)

// AllPhases returns all phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseProposal, PhaseApproval, PhaseDevelopment, PhaseQualityAssurance, PhaseDelivery}
}

// PhaseOrder returns the numeric order of a phase (0-indexed).
func PhaseOrder(p Phase) int {
	switch p {
	case PhaseProposal:
		return 0
	case PhaseApproval:
		return 1
	case PhaseDevelopment:
		return 2
	case PhaseQualityAssurance:
		return 3
	case PhaseDelivery:
		return 4
	default:
		return -1
	}
}

// NextPhase returns the phase following the given phase.
// Returns empty string if current phase is the last.
func NextPhase(p Phase) Phase {
	switch p {
	case PhaseProposal:
		return PhaseApproval
	case PhaseApproval:
		return PhaseDevelopment
	case PhaseDevelopment:
		return PhaseQualityAssurance
	case PhaseQualityAssurance:
		return PhaseDelivery
	default:
		return ""
	}
}

// PrevPhase returns the phase preceding the given phase.
// Returns empty string if current phase is the first.
func PrevPhase(p Phase) Phase {
	switch p {
	case PhaseApproval:
		return PhaseProposal
	case PhaseDevelopment:
		return PhaseApproval
	case PhaseQualityAssurance:
		return PhaseDevelopment
	case PhaseDelivery:
		return PhaseQualityAssurance
	default:
		return ""
	}
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseProposal, PhaseApproval, PhaseDevelopment, PhaseQualityAssurance, PhaseDelivery:
		return true
	default:
		return false
	}
}

// ParsePhase converts a string to a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !ValidPhase(p) {
		return "", fmt.Errorf("invalid phase: %s", s)
	}
	return p, nil
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Description returns a human-readable description of the phase.
func (p Phase) Description() string {
	switch p {
	case PhaseProposal:
		return "Hold a company meeting and draft an execution proposal"
	case PhaseApproval:
		return "Wait for the principal to decide on the proposal"
	case PhaseDevelopment:
		return "Dispatch subtasks to workers and review the results"
	case PhaseQualityAssurance:
		return "Run lint and tests against the integrated result"
	case PhaseDelivery:
		return "Assemble the deliverable and confirm completion"
	default:
		return "Unknown phase"
	}
}
