package orchestrator

import (
	"fmt"

	"cascade/internal/domain"
)

// IsTerminal reports whether a package in state s is finished for this run.
func IsTerminal(s domain.PackageState) bool {
	switch s {
	case domain.StatePublished, domain.StateFailed, domain.StateSkipped,
		domain.StateAlreadyPublished, domain.StateAborted, domain.StateNotAttempted:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to domain.PackageState) bool {
	switch from {
	case domain.StatePending:
		switch to {
		case domain.StatePublishing, domain.StateSkipped, domain.StateAlreadyPublished,
			domain.StateFailed, domain.StateAborted, domain.StateNotAttempted:
			return true
		}
	case domain.StatePublishing:
		return to == domain.StateVerifying || to == domain.StatePending || to == domain.StateFailed
	case domain.StateVerifying:
		return to == domain.StatePublished || to == domain.StatePending ||
			to == domain.StateFailed || to == domain.StateAborted
	}
	return false
}

// transition moves res to state to, refusing moves the state machine does not allow.
func transition(res *domain.PackageResult, to domain.PackageState) error {
	if !isAllowedTransition(res.State, to) {
		return fmt.Errorf("invalid transition for %q: %s -> %s", res.Name, res.State, to)
	}
	res.State = to
	return nil
}
