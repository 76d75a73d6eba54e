package service

import "time"

// AbandonPolicy classifies an interview attempt as abandoned or not.
// The duration/answer-count rule is a heuristic, not a hard rule; the
// threshold is tunable so boundary behavior can be exercised in tests.
type AbandonPolicy struct {
	// MaxDuration is the elapsed time under which a zero-answer
	// attempt is classified as abandoned. An attempt lasting exactly
	// MaxDuration is not caught by the heuristic.
	MaxDuration time.Duration
}

// AbandonSignals gathers every abandonment indicator one attempt can
// carry. Signals are collected from the request, the originating queue
// entry, and the call correlation record.
type AbandonSignals struct {
	// ExplicitReason is the abandonment reason supplied in the request.
	ExplicitReason string
	// ExplicitFlag is the abandonment flag supplied in the request.
	ExplicitFlag bool
	// QueueEntryReason is an abandonment reason already stamped on the
	// queue entry, possibly through a different endpoint.
	QueueEntryReason string
	// CallNeverConnected is true when the correlated call record shows
	// the call did not connect, or the outcome itself precludes it.
	CallNeverConnected bool
	// ConsentRefused is true when the respondent explicitly declined.
	ConsentRefused bool
	// Elapsed is the attempt duration.
	Elapsed time.Duration
	// SubstantiveAnswers counts answers with real content.
	SubstantiveAnswers int
}

// Classify applies one uniform precedence everywhere: explicit
// abandonment signals first, then the heuristic. A client-side
// "completed" claim never overrides either.
func (p AbandonPolicy) Classify(s AbandonSignals) (bool, string) {
	if s.ExplicitReason != "" {
		return true, s.ExplicitReason
	}
	if s.ExplicitFlag {
		return true, "abandoned by interviewer"
	}
	if s.QueueEntryReason != "" {
		return true, s.QueueEntryReason
	}
	if s.CallNeverConnected {
		return true, "call never connected"
	}
	if s.ConsentRefused {
		return true, "consent refused"
	}
	if s.Elapsed < p.MaxDuration && s.SubstantiveAnswers == 0 {
		return true, "no answers recorded within minimum interview duration"
	}
	return false, ""
}
