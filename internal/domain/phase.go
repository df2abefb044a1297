package domain

import "errors"

// SessionPhase is the lifecycle state of a streaming session. Transitions are
// driven by metadata resolution, timeouts and destroy requests; operations
// against a Destroyed session fail with ErrNotFound instead of racing the
// caller.
type SessionPhase string

const (
	PhaseCreated          SessionPhase = "created"
	PhaseAwaitingMetadata SessionPhase = "awaiting_metadata"
	PhaseReady            SessionPhase = "ready"
	PhaseDestroyed        SessionPhase = "destroyed"
)

var ErrInvalidTransition = errors.New("invalid phase transition")

var validPhaseTransitions = map[SessionPhase][]SessionPhase{
	PhaseCreated:          {PhaseAwaitingMetadata, PhaseDestroyed},
	PhaseAwaitingMetadata: {PhaseReady, PhaseDestroyed},
	PhaseReady:            {PhaseDestroyed},
	PhaseDestroyed:        {},
}

// CanTransition reports whether a phase change is allowed.
func CanTransition(from, to SessionPhase) bool {
	for _, t := range validPhaseTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
