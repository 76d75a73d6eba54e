package models

import (
	"time"

	"github.com/cati-dispatcher/internal/types"
)

// ResponseRecord is the permanent record of one interview outcome.
// Once Status reaches a terminal value it must never change, and
// AbandonReason is non-empty exactly when Status is abandoned.
type ResponseRecord struct {
	// ID is the storage-native identifier (secondary idempotency key).
	ID string `json:"id"`
	// ResponseToken is the caller-supplied or generated unique token
	// used as the primary idempotency key.
	ResponseToken string               `json:"responseToken"`
	SessionID     string               `json:"sessionId"`
	SurveyID      string               `json:"surveyId"`
	InterviewerID string               `json:"interviewerId"`
	QueueEntryID  *string              `json:"queueEntryId,omitempty"`
	CallID        *string              `json:"callId,omitempty"`
	Status        types.ResponseStatus `json:"status"`
	AbandonReason *string              `json:"abandonReason,omitempty"`
	// ContentHash fingerprints {interviewer, survey, start time, call
	// id, answers} for duplicate detection independent of the token.
	ContentHash  string                 `json:"contentHash"`
	Answers      []Answer               `json:"answers"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	DurationSecs int                    `json:"durationSecs"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// Answer is one recorded answer in an interview.
type Answer struct {
	QuestionID string      `json:"questionId"`
	Value      interface{} `json:"value"`
	AnsweredAt *time.Time  `json:"answeredAt,omitempty"`
}

// Substantive reports whether the answer carries real content. Empty
// values do not count toward the abandonment heuristic.
func (a Answer) Substantive() bool {
	switch v := a.Value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []interface{}:
		return len(v) > 0
	default:
		return true
	}
}
