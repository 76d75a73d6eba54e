// Package types provides common type definitions for the CATI dispatcher.
package types

// QueueStatus represents the dispatch state of a queue entry
type QueueStatus string

const (
	// QueuePending represents an entry waiting to be dispatched
	QueuePending QueueStatus = "pending"
	// QueueAssigned represents an entry claimed by an interviewer
	QueueAssigned QueueStatus = "assigned"
	// QueueCalling represents an entry with a call in progress
	QueueCalling QueueStatus = "calling"
	// QueueInterviewSuccess represents a completed interview (terminal)
	QueueInterviewSuccess QueueStatus = "interview_success"
	// QueueBusy represents a busy line on the last attempt
	QueueBusy QueueStatus = "busy"
	// QueueNoAnswer represents an unanswered call on the last attempt
	QueueNoAnswer QueueStatus = "no_answer"
	// QueueSwitchedOff represents a switched-off phone on the last attempt
	QueueSwitchedOff QueueStatus = "switched_off"
	// QueueNotReachable represents an unreachable number on the last attempt
	QueueNotReachable QueueStatus = "not_reachable"
	// QueueDoesNotExist represents an invalid number (terminal)
	QueueDoesNotExist QueueStatus = "does_not_exist"
	// QueueRejected represents a respondent who refused the interview (terminal)
	QueueRejected QueueStatus = "rejected"
)

// IsTerminal reports whether a queue entry in this status is finished
// and must never be dispatched again.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueInterviewSuccess, QueueDoesNotExist, QueueRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known queue status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueuePending, QueueAssigned, QueueCalling, QueueInterviewSuccess,
		QueueBusy, QueueNoAnswer, QueueSwitchedOff, QueueNotReachable,
		QueueDoesNotExist, QueueRejected:
		return true
	default:
		return false
	}
}

// ResponseStatus represents the review state of a response record
type ResponseStatus string

const (
	// ResponsePendingApproval represents a response awaiting quality review
	ResponsePendingApproval ResponseStatus = "Pending_Approval"
	// ResponseApproved represents an approved response (terminal)
	ResponseApproved ResponseStatus = "Approved"
	// ResponseRejected represents a rejected response (terminal)
	ResponseRejected ResponseStatus = "Rejected"
	// ResponseTerminated represents a terminated response (terminal)
	ResponseTerminated ResponseStatus = "Terminated"
	// ResponseAbandoned represents an abandoned interview attempt (terminal)
	ResponseAbandoned ResponseStatus = "abandoned"
)

// IsTerminal reports whether the status is immutable once set.
func (s ResponseStatus) IsTerminal() bool {
	switch s {
	case ResponseApproved, ResponseRejected, ResponseTerminated, ResponseAbandoned:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known response status.
func (s ResponseStatus) Valid() bool {
	switch s {
	case ResponsePendingApproval, ResponseApproved, ResponseRejected,
		ResponseTerminated, ResponseAbandoned:
		return true
	default:
		return false
	}
}

// CallOutcome represents the result of one call attempt
type CallOutcome string

const (
	// OutcomeCompleted represents a connected call with a finished interview
	OutcomeCompleted CallOutcome = "completed"
	// OutcomeInvalidNumber represents a number that does not exist
	OutcomeInvalidNumber CallOutcome = "invalid_number"
	// OutcomeBusy represents a busy line
	OutcomeBusy CallOutcome = "busy"
	// OutcomeNoAnswer represents an unanswered call
	OutcomeNoAnswer CallOutcome = "no_answer"
	// OutcomeSwitchedOff represents a switched-off phone
	OutcomeSwitchedOff CallOutcome = "switched_off"
	// OutcomeNotReachable represents an unreachable number
	OutcomeNotReachable CallOutcome = "not_reachable"
	// OutcomeDispatchFailed represents a provider-side failure before ringing
	OutcomeDispatchFailed CallOutcome = "dispatch_failed"
	// OutcomeConsentRefused represents an explicit refusal to be interviewed
	OutcomeConsentRefused CallOutcome = "consent_refused"
	// OutcomeCallLater represents a respondent asking to be called back
	OutcomeCallLater CallOutcome = "call_later"
)

// Valid reports whether o is a known call outcome.
func (o CallOutcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeInvalidNumber, OutcomeBusy, OutcomeNoAnswer,
		OutcomeSwitchedOff, OutcomeNotReachable, OutcomeDispatchFailed,
		OutcomeConsentRefused, OutcomeCallLater:
		return true
	default:
		return false
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// RespondentContact holds one respondent's contact details as supplied
// by the ingestion collaborator.
type RespondentContact struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Region      string `json:"region"`
	SubRegion   string `json:"subRegion,omitempty"`
	PollingUnit string `json:"pollingUnit,omitempty"`
}

// RejectionDecision is the quality engine's verdict for a response.
type RejectionDecision struct {
	Reason  string                 `json:"reason"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DemotedPriority is assigned on soft call failures so the entry sorts
// behind every prioritized region bucket.
const DemotedPriority = -1

// ExcludedPriority marks a region excluded from priority dispatch.
// Entries in such regions are never demoted further.
const ExcludedPriority = 0
