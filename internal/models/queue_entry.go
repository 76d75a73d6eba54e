package models

import (
	"time"

	"github.com/cati-dispatcher/internal/types"
)

// QueueEntry is one respondent's dispatch record for one survey.
// CreatedAt doubles as the FIFO tie-break and the requeue marker:
// refreshing it pushes the entry to the back of its priority bucket.
type QueueEntry struct {
	ID            string            `json:"id"`
	SurveyID      string            `json:"surveyId"`
	Name          string            `json:"name"`
	Phone         string            `json:"phone"`
	Region        string            `json:"region"`
	SubRegion     string            `json:"subRegion,omitempty"`
	PollingUnit   string            `json:"pollingUnit,omitempty"`
	Status        types.QueueStatus `json:"status"`
	AssignedTo    *string           `json:"assignedTo,omitempty"`
	AssignedAt    *time.Time        `json:"assignedAt,omitempty"`
	Priority      int               `json:"priority"`
	AbandonReason *string           `json:"abandonReason,omitempty"`
	CallLaterAt   *time.Time        `json:"callLaterAt,omitempty"`
	ResponseID    *string           `json:"responseId,omitempty"`
	CallRecordID  *string           `json:"callRecordId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// CallAttempt is one logged attempt to reach the respondent.
type CallAttempt struct {
	ID            string            `json:"id"`
	QueueEntryID  string            `json:"queueEntryId"`
	AttemptNumber int               `json:"attemptNumber"`
	AttemptedAt   time.Time         `json:"attemptedAt"`
	AttemptedBy   string            `json:"attemptedBy"`
	Outcome       types.CallOutcome `json:"outcome"`
	Reason        *string           `json:"reason,omitempty"`
	Notes         *string           `json:"notes,omitempty"`
	ScheduledFor  *time.Time        `json:"scheduledFor,omitempty"`
}
