package service

import (
	"context"
	"time"

	"github.com/cati-dispatcher/internal/errors"
	"github.com/cati-dispatcher/internal/logging"
	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/storage"
	"github.com/cati-dispatcher/internal/types"
	"github.com/google/uuid"
)

// AbandonmentRequest records an abandonment directly against a queue
// entry, outside the completion flow. It covers interviewers who drop
// a call before any response payload exists.
type AbandonmentRequest struct {
	QueueEntryID  string
	InterviewerID string
	Reason        string
	Notes         string
	// CallLaterAt schedules a callback window; when set the entry is
	// elevated instead of demoted.
	CallLaterAt *time.Time
}

// RecordAbandonment stamps the abandonment reason on the queue entry
// and returns it to the queue. The reason survives on the entry so a
// later completion submission for the same attempt is cross-checked
// against it.
func (s *CompletionService) RecordAbandonment(ctx context.Context, req *AbandonmentRequest) (*models.QueueEntry, error) {
	logger := logging.FromContext(ctx)

	if req.QueueEntryID == "" {
		return nil, errors.NewMalformedPayloadError("queueEntryId is required")
	}
	if req.Reason == "" {
		return nil, errors.NewMalformedPayloadError("reason is required")
	}

	entry, err := s.queues.GetByID(ctx, req.QueueEntryID)
	if err != nil {
		return nil, errors.NewNotFoundError("queue entry", req.QueueEntryID)
	}
	if entry.Status.IsTerminal() {
		logger.WithFields(map[string]interface{}{
			"queueEntryId": entry.ID,
			"status":       string(entry.Status),
		}).Warn("Abandonment against terminal queue entry ignored")
		return entry, nil
	}

	reason := req.Reason
	effect := storage.TransitionEffect{
		NextStatus:    types.QueuePending,
		Unassign:      true,
		AbandonReason: &reason,
	}
	if req.CallLaterAt != nil {
		effect.Elevate = true
		effect.CallLaterAt = req.CallLaterAt
	} else {
		effect.Demote = !s.regionExcluded(ctx, entry.Region)
		effect.RefreshPosition = true
	}

	if _, err := s.queues.ApplyTransition(ctx, req.QueueEntryID, effect); err != nil {
		return nil, errors.NewDatabaseError("abandonment transition", err)
	}

	outcome := types.OutcomeNoAnswer
	if req.CallLaterAt != nil {
		outcome = types.OutcomeCallLater
	}
	attempt := &models.CallAttempt{
		ID:           uuid.NewString(),
		QueueEntryID: req.QueueEntryID,
		AttemptedAt:  time.Now().UTC(),
		AttemptedBy:  req.InterviewerID,
		Outcome:      outcome,
		Reason:       &reason,
		ScheduledFor: req.CallLaterAt,
	}
	if req.Notes != "" {
		notes := req.Notes
		attempt.Notes = &notes
	}
	if err := s.queues.AppendCallAttempt(ctx, attempt); err != nil {
		logger.WithError(err).Warn("Failed to log abandonment attempt")
	}

	updated, err := s.queues.GetByID(ctx, req.QueueEntryID)
	if err != nil {
		return entry, nil
	}
	return updated, nil
}

// ManualRejection identifies one response to reject out of band,
// typically from a reviewer-supplied spreadsheet.
type ManualRejection struct {
	ResponseID    string
	ResponseToken string
	Reason        string
}

// ManualRejectionReport summarizes a batch rejection run.
type ManualRejectionReport struct {
	Rejected  int `json:"rejected"`
	Preserved int `json:"preserved"`
	Missing   int `json:"missing"`
}

// DefaultManualRejectionReason is stamped when a batch row carries none.
const DefaultManualRejectionReason = "Manual Rejection"

// ApplyManualRejections rejects responses in bulk. Records already in a
// terminal status are preserved and counted, never overwritten; rows
// that match no record are counted as missing. Each rejection reason is
// kept in the record metadata.
func (s *CompletionService) ApplyManualRejections(ctx context.Context, rejections []ManualRejection) (*ManualRejectionReport, error) {
	logger := logging.FromContext(ctx)
	report := &ManualRejectionReport{}

	for _, r := range rejections {
		rec, err := s.lookupRejectionTarget(ctx, r)
		if err != nil {
			return report, err
		}
		if rec == nil {
			report.Missing++
			continue
		}

		updated, err := s.setStatusGuarded(ctx, rec, types.ResponseRejected, "")
		if err != nil {
			return report, err
		}
		if !updated {
			report.Preserved++
			continue
		}

		reason := r.Reason
		if reason == "" {
			reason = DefaultManualRejectionReason
		}
		if err := s.responses.MergeMetadata(ctx, rec.ID, map[string]interface{}{
			"rejectionReason": reason,
			"rejectionSource": "manual",
		}); err != nil {
			logger.WithError(err).Warn("Failed to record manual rejection reason")
		}
		report.Rejected++
	}

	logger.WithFields(map[string]interface{}{
		"rejected":  report.Rejected,
		"preserved": report.Preserved,
		"missing":   report.Missing,
	}).Info("Applied manual rejections")

	return report, nil
}

func (s *CompletionService) lookupRejectionTarget(ctx context.Context, r ManualRejection) (*models.ResponseRecord, error) {
	if r.ResponseID != "" {
		rec, err := s.responses.GetByID(ctx, r.ResponseID)
		if err != nil {
			return nil, errors.NewDatabaseError("response lookup by id", err)
		}
		return rec, nil
	}
	if r.ResponseToken != "" {
		rec, err := s.responses.GetByToken(ctx, r.ResponseToken)
		if err != nil {
			return nil, errors.NewDatabaseError("response lookup by token", err)
		}
		return rec, nil
	}
	return nil, nil
}

// AppendMetadata enriches a response record without touching its
// status. Metadata merges are the one write allowed on terminal
// records.
func (s *CompletionService) AppendMetadata(ctx context.Context, responseID string, metadata map[string]interface{}) error {
	if responseID == "" {
		return errors.NewMalformedPayloadError("responseId is required")
	}
	if len(metadata) == 0 {
		return nil
	}

	rec, err := s.responses.GetByID(ctx, responseID)
	if err != nil {
		return errors.NewDatabaseError("response lookup by id", err)
	}
	if rec == nil {
		return errors.NewNotFoundError("response", responseID)
	}

	if err := s.responses.MergeMetadata(ctx, responseID, metadata); err != nil {
		return errors.NewDatabaseError("metadata merge", err)
	}
	return nil
}
