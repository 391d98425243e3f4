package engine

import "otcdesk/internal/models"

// allowedTransitions is the single source of truth for the deal lifecycle.
// Terminal states have no entry here, so nothing ever moves out of them.
var allowedTransitions = map[models.DealState][]models.DealState{
	models.DealStateQuoted: {
		models.DealStateLocked,
		models.DealStateCancelled,
		models.DealStateRejected,
		models.DealStateExpired,
	},
	models.DealStateLocked: {
		models.DealStateComputing,
		models.DealStateAwaitingAmount,
		models.DealStateCancelled,
		models.DealStateExpired,
	},
	models.DealStateAwaitingAmount: {
		models.DealStateComputing,
		models.DealStateExpired,
	},
	models.DealStateComputing: {
		models.DealStateCompleted,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to models.DealState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// sourceStates lists every state from which the target state is reachable.
// Transition updates use this as their guard set, so the store-level check
// and the table can never disagree.
func sourceStates(to models.DealState) []models.DealState {
	var out []models.DealState
	for _, from := range []models.DealState{
		models.DealStateQuoted,
		models.DealStateLocked,
		models.DealStateAwaitingAmount,
		models.DealStateComputing,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// expirable reports whether the lazy TTL check applies in this state. A
// state where expired is not a legal target (computing) must not fail with
// an expiry error it could never act on.
func expirable(state models.DealState) bool {
	return CanTransition(state, models.DealStateExpired)
}
