// Package state holds the authoritative record for a single delivery run:
// the project state, its phase machine, the planning and development
// artifacts, and the snapshot persistence used for crash-resume. The flow
// layer exclusively owns a Project; everything else sees read-only
// snapshots.
package state

// Phase is a named stage of the delivery lifecycle.
type Phase string

const (
	PhaseIntake        Phase = "intake"
	PhasePlanning      Phase = "planning"
	PhaseDevelopment   Phase = "development"
	PhaseTesting       Phase = "testing"
	PhaseDeployment    Phase = "deployment"
	PhaseAwaitingHuman Phase = "awaiting_human"
	PhaseComplete      Phase = "complete"
	PhaseError         Phase = "error"
)

// phaseEdges is the legal transition table. A transition not listed here is
// a programmer error, with two blanket rules handled in ValidTransition:
// every non-terminal phase may move to ERROR (run-wide cancellation), and
// AWAITING_HUMAN returns only to the phase it was suspended from.
var phaseEdges = map[Phase][]Phase{
	PhaseIntake:      {PhasePlanning, PhaseAwaitingHuman, PhaseError},
	PhasePlanning:    {PhaseDevelopment, PhaseAwaitingHuman, PhaseError},
	PhaseDevelopment: {PhaseTesting, PhaseError},
	PhaseTesting:     {PhaseDeployment, PhaseDevelopment, PhaseAwaitingHuman, PhaseError},
	PhaseDeployment:  {PhaseComplete, PhaseError},
}

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Suspendable reports whether a phase supports escalation to a human
// instead of hard failure on budget exhaustion.
func (p Phase) Suspendable() bool {
	switch p {
	case PhaseIntake, PhasePlanning, PhaseTesting:
		return true
	}
	return false
}

// ValidTransition reports whether from -> to is a legal edge.
// suspendedFrom is consulted only when leaving AWAITING_HUMAN.
func ValidTransition(from, to Phase, suspendedFrom Phase) bool {
	if from == PhaseAwaitingHuman {
		if to == PhaseError {
			return true
		}
		return suspendedFrom != "" && to == suspendedFrom
	}
	for _, next := range phaseEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Known reports whether p is one of the defined phases.
func (p Phase) Known() bool {
	switch p {
	case PhaseIntake, PhasePlanning, PhaseDevelopment, PhaseTesting,
		PhaseDeployment, PhaseAwaitingHuman, PhaseComplete, PhaseError:
		return true
	}
	return false
}
