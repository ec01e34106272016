// Package statusreducer implements the Status Reducer (§4.14): a pure,
// total function over a finite status domain, used both right after a
// run and during reload-for-audit.
package statusreducer

import "workforge/internal/runstate"

// Reduce computes a run's terminal status from its step outcomes.
// refundsExist is carried in the signature for parity with the ledger
// audit view but does not change the branching below: a refund is a
// consequence of a step outcome, not an independent status input.
//
//   - every step COMPLETED and publishRequired && !publishCompleted -> AWAITING_PUBLISH
//   - every step COMPLETED -> COMPLETED
//   - every step FAILED -> FAILED
//   - otherwise -> PARTIAL
//
// An empty stepStatuses slice is treated as "every step COMPLETED"
// (vacuous truth), matching a workorder with no enabled steps.
func Reduce(stepStatuses []runstate.StepStatus, refundsExist, publishRequired, publishCompleted bool) runstate.RunStatus {
	allCompleted := true
	allFailed := len(stepStatuses) > 0
	for _, s := range stepStatuses {
		if s != runstate.StepCompleted {
			allCompleted = false
		}
		if s != runstate.StepFailed {
			allFailed = false
		}
	}

	switch {
	case allCompleted && publishRequired && !publishCompleted:
		return runstate.RunAwaitingPublish
	case allCompleted:
		return runstate.RunCompleted
	case allFailed:
		return runstate.RunFailed
	default:
		return runstate.RunPartial
	}
}
