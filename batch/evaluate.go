package batch

import (
	"time"

	"github.com/hazyhaar/genq/store"
)

// Evaluate derives a request's status from its full attempt set. Pure and
// safely re-entrant: it is called on every routed event and on every poll
// tick, and re-deriving from the multiset (rather than applying deltas) is
// what makes duplicate and out-of-order event delivery idempotent.
//
// Check order matters: completion and failure take priority over timeout so
// a request finishing at the deadline boundary is recorded correctly.
// A request with zero attempts can only time out or stay in progress.
func Evaluate(attempts []*store.Attempt, submittedAt time.Time, now time.Time, budget time.Duration) string {
	if len(attempts) > 0 {
		allTerminal := true
		allDead := true
		for _, a := range attempts {
			if !store.AttemptTerminal(a.Status) {
				allTerminal = false
			}
			if a.Status != store.AttemptFailed && a.Status != store.AttemptCancelled {
				allDead = false
			}
		}
		if allDead {
			return store.StatusFailed
		}
		if allTerminal {
			return store.StatusDone
		}
	}

	if !submittedAt.IsZero() && now.Sub(submittedAt) > budget {
		return store.StatusTimeout
	}
	return store.StatusInProgress
}
