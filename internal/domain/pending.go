package domain

import "strings"

var pendingTransitions = map[string]map[string]struct{}{
	PendingStatusPending: {
		PendingStatusProcessing: {},
		PendingStatusCompleted:  {},
		PendingStatusFailed:     {},
		PendingStatusExpired:    {},
	},
	PendingStatusProcessing: {
		PendingStatusCompleted: {},
		PendingStatusFailed:    {},
		// A claim whose worker never reached the external rail goes back to the queue.
		PendingStatusPending: {},
	},
	PendingStatusCompleted: {},
	PendingStatusFailed:    {},
	PendingStatusExpired:   {},
}

func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// CanTransition reports whether a pending transaction may move from current to next.
func CanTransition(current, next string) bool {
	nextStates, ok := pendingTransitions[normalizeStatus(current)]
	if !ok {
		return false
	}
	_, ok = nextStates[normalizeStatus(next)]
	return ok
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	next, ok := pendingTransitions[normalizeStatus(status)]
	return ok && len(next) == 0
}
