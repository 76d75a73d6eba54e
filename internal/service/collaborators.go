// Package service implements the dispatch, assignment, and completion
// protocols of the CATI dispatcher.
package service

import (
	"context"

	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/storage"
	"github.com/cati-dispatcher/internal/types"
)

// QueueStore is the persistence surface the dispatch and completion
// protocols need from the queue collection.
type QueueStore interface {
	GetByID(ctx context.Context, id string) (*models.QueueEntry, error)
	BulkCreate(ctx context.Context, entries []*models.QueueEntry) (int, error)
	AssignIfPending(ctx context.Context, id, interviewerID string) (bool, error)
	SelectCandidates(ctx context.Context, surveyID string, regions []string, excludeIDs []string, limit int) ([]*models.QueueEntry, error)
	FirstPendingInRegions(ctx context.Context, surveyID string, regions []string, excludeIDs []string) (*models.QueueEntry, error)
	FirstPendingExcludingRegions(ctx context.Context, surveyID string, excludedRegions []string, excludeIDs []string) (*models.QueueEntry, error)
	ApplyTransition(ctx context.Context, id string, effect storage.TransitionEffect) (bool, error)
	AppendCallAttempt(ctx context.Context, attempt *models.CallAttempt) error
}

// ResponseStore is the persistence surface of the response collection.
type ResponseStore interface {
	Create(ctx context.Context, rec *models.ResponseRecord) error
	GetByToken(ctx context.Context, token string) (*models.ResponseRecord, error)
	GetByID(ctx context.Context, id string) (*models.ResponseRecord, error)
	GetByContentHash(ctx context.Context, hash string) (*models.ResponseRecord, error)
	UpdateStatusGuarded(ctx context.Context, id string, status types.ResponseStatus, abandonReason *string) (bool, error)
	RestoreStatus(ctx context.Context, id string, status types.ResponseStatus, abandonReason *string) error
	MergeMetadata(ctx context.Context, id string, metadata map[string]interface{}) error
}

// CallRecordStore reads the call-id correlation records written by the
// calling collaborator.
type CallRecordStore interface {
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
}

// CallProvider initiates outbound calls. Correlation is by the call id
// it returns; everything else about call mechanics is external.
type CallProvider interface {
	InitiateCall(ctx context.Context, from, to string) (string, error)
}

// QualityEngine evaluates a non-abandoned response for automatic
// rejection. A nil decision means no objection.
type QualityEngine interface {
	Evaluate(ctx context.Context, rec *models.ResponseRecord, answers []models.Answer) (*types.RejectionDecision, error)
}

// ReviewQueue batches responses for human quality review.
type ReviewQueue interface {
	EnqueueForReview(ctx context.Context, responseID, surveyID, interviewerID string) error
}

// NoopQualityEngine accepts everything. Used until a real engine is wired.
type NoopQualityEngine struct{}

// Evaluate never objects.
func (NoopQualityEngine) Evaluate(ctx context.Context, rec *models.ResponseRecord, answers []models.Answer) (*types.RejectionDecision, error) {
	return nil, nil
}

// NoopReviewQueue drops review requests. Used until a real queue is wired.
type NoopReviewQueue struct{}

// EnqueueForReview does nothing.
func (NoopReviewQueue) EnqueueForReview(ctx context.Context, responseID, surveyID, interviewerID string) error {
	return nil
}
