package service

import (
	"fmt"
	"time"

	"github.com/cati-dispatcher/internal/storage"
	"github.com/cati-dispatcher/internal/types"
)

// TransitionInput carries the context a transition may need beyond the
// outcome itself.
type TransitionInput struct {
	// ResponseID links the permanent response record on success.
	ResponseID *string
	// AbandonReason is stamped on refusals.
	AbandonReason *string
	// CallLaterAt schedules the retry window for call-later outcomes.
	CallLaterAt *time.Time
	// RegionExcluded is true for entries in priority-0 regions, which
	// are never demoted further.
	RegionExcluded bool
}

// TransitionFor maps a call outcome to its queue-side effect. The
// match is exhaustive over the closed outcome set; unknown outcomes
// are an error rather than a silent default.
//
// Switched-off and not-reachable outcomes park the entry under a
// named non-pending status: dispatch serves pending entries only, so
// a parked entry stays out of rotation until an operator requeues it.
// The demotion and position refresh stamped here determine where it
// lands when that happens.
func TransitionFor(outcome types.CallOutcome, in TransitionInput) (storage.TransitionEffect, error) {
	switch outcome {
	case types.OutcomeCompleted:
		return storage.TransitionEffect{
			NextStatus: types.QueueInterviewSuccess,
			ResponseID: in.ResponseID,
		}, nil

	case types.OutcomeInvalidNumber:
		return storage.TransitionEffect{
			NextStatus: types.QueueDoesNotExist,
		}, nil

	case types.OutcomeBusy, types.OutcomeNoAnswer:
		return storage.TransitionEffect{
			NextStatus:      types.QueuePending,
			Demote:          !in.RegionExcluded,
			RefreshPosition: true,
			Unassign:        true,
		}, nil

	case types.OutcomeSwitchedOff:
		return storage.TransitionEffect{
			NextStatus:      types.QueueSwitchedOff,
			Demote:          !in.RegionExcluded,
			RefreshPosition: true,
			Unassign:        true,
		}, nil

	case types.OutcomeNotReachable:
		return storage.TransitionEffect{
			NextStatus:      types.QueueNotReachable,
			Demote:          !in.RegionExcluded,
			RefreshPosition: true,
			Unassign:        true,
		}, nil

	case types.OutcomeDispatchFailed:
		// Transient infra fault: the entry keeps its place in the
		// queue and is retried soon.
		return storage.TransitionEffect{
			NextStatus: types.QueuePending,
			Unassign:   true,
		}, nil

	case types.OutcomeConsentRefused:
		return storage.TransitionEffect{
			NextStatus:    types.QueueRejected,
			AbandonReason: in.AbandonReason,
		}, nil

	case types.OutcomeCallLater:
		return storage.TransitionEffect{
			NextStatus:    types.QueuePending,
			Elevate:       true,
			Unassign:      true,
			CallLaterAt:   in.CallLaterAt,
			AbandonReason: in.AbandonReason,
		}, nil

	default:
		return storage.TransitionEffect{}, fmt.Errorf("unknown call outcome: %q", outcome)
	}
}
