package task

import "tx/internal/store"

// transitionMatrix encodes the (from, to) table in spec §4.1. A missing
// entry (including same-state "—" cells) means the transition is illegal.
var transitionMatrix = map[store.Status]map[store.Status]bool{
	store.StatusBacklog: {
		store.StatusReady:     true,
		store.StatusPlanning:  true,
		store.StatusCancelled: true,
	},
	store.StatusPlanning: {
		store.StatusReady:     true,
		store.StatusActive:    true,
		store.StatusBlocked:   true,
		store.StatusFailed:    true,
		store.StatusCancelled: true,
		store.StatusBacklog:   true,
	},
	store.StatusReady: {
		store.StatusPlanning:  true,
		store.StatusActive:    true,
		store.StatusBlocked:   true,
		store.StatusFailed:    true,
		store.StatusCancelled: true,
		store.StatusBacklog:   true,
	},
	store.StatusActive: {
		store.StatusBlocked:   true,
		store.StatusDone:      true,
		store.StatusFailed:    true,
		store.StatusCancelled: true,
		store.StatusBacklog:   true,
	},
	store.StatusBlocked: {
		store.StatusReady:     true,
		store.StatusPlanning:  true,
		store.StatusActive:    true,
		store.StatusFailed:    true,
		store.StatusCancelled: true,
		store.StatusBacklog:   true,
	},
	store.StatusDone: {
		store.StatusBacklog: true,
	},
	store.StatusFailed: {
		store.StatusReady:     true,
		store.StatusPlanning:  true,
		store.StatusActive:    true,
		store.StatusCancelled: true,
		store.StatusBacklog:   true,
	},
	store.StatusCancelled: {
		store.StatusReady:    true,
		store.StatusPlanning: true,
		store.StatusBacklog:  true,
	},
}

// transitionAllowed reports whether (from, to) appears in the matrix.
func transitionAllowed(from, to store.Status) bool {
	row, ok := transitionMatrix[from]
	if !ok {
		return false
	}
	return row[to]
}
