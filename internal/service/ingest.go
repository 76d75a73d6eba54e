package service

import (
	"context"
	"strings"
	"time"

	"github.com/cati-dispatcher/internal/errors"
	"github.com/cati-dispatcher/internal/logging"
	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/types"
	"github.com/google/uuid"
)

// Ingestor seeds the work queue from respondent contact batches.
type Ingestor struct {
	queues QueueStore
	cache  CacheInvalidator
}

// CacheInvalidator is the slice of the dispatch cache ingestion needs.
type CacheInvalidator interface {
	InvalidatePriorityMap(ctx context.Context) error
}

// NewIngestor creates a new ingestor
func NewIngestor(queues QueueStore, cache CacheInvalidator) *Ingestor {
	return &Ingestor{queues: queues, cache: cache}
}

// SeedReport summarizes one seeding run.
type SeedReport struct {
	Received   int `json:"received"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

// SeedQueue normalizes a contact batch and inserts the entries as
// pending work. Duplicates are dropped silently, both within the batch
// and against rows already stored for the survey; invalid rows are
// counted and skipped rather than failing the batch.
func (ing *Ingestor) SeedQueue(ctx context.Context, surveyID string, contacts []types.RespondentContact) (*SeedReport, error) {
	logger := logging.FromContext(ctx)

	if surveyID == "" {
		return nil, errors.NewInvalidParameterError("surveyId", "must not be empty")
	}

	report := &SeedReport{Received: len(contacts)}
	seen := make(map[string]struct{}, len(contacts))
	entries := make([]*models.QueueEntry, 0, len(contacts))
	now := time.Now().UTC()

	for _, c := range contacts {
		phone, ok := NormalizePhone(c.Phone)
		if !ok || strings.TrimSpace(c.Region) == "" {
			report.Invalid++
			continue
		}

		if _, dup := seen[phone]; dup {
			report.Duplicates++
			continue
		}
		seen[phone] = struct{}{}

		entries = append(entries, &models.QueueEntry{
			ID:          uuid.NewString(),
			SurveyID:    surveyID,
			Name:        strings.TrimSpace(c.Name),
			Phone:       phone,
			Region:      strings.TrimSpace(c.Region),
			SubRegion:   strings.TrimSpace(c.SubRegion),
			PollingUnit: strings.TrimSpace(c.PollingUnit),
			Status:      types.QueuePending,
			CreatedAt:   now,
		})
	}

	if len(entries) > 0 {
		inserted, err := ing.queues.BulkCreate(ctx, entries)
		if err != nil {
			return nil, errors.NewDatabaseError("queue seeding", err)
		}
		report.Inserted = inserted
		report.Duplicates += len(entries) - inserted
	}

	if ing.cache != nil {
		if err := ing.cache.InvalidatePriorityMap(ctx); err != nil {
			logger.WithError(err).Warn("Failed to invalidate priority map after seeding")
		}
	}

	logger.WithFields(map[string]interface{}{
		"surveyId":   surveyID,
		"received":   report.Received,
		"inserted":   report.Inserted,
		"duplicates": report.Duplicates,
		"invalid":    report.Invalid,
	}).Info("Seeded dispatch queue")

	return report, nil
}

// NormalizePhone canonicalizes a phone number to digits with an
// optional leading plus. Anything shorter than 7 digits is rejected.
func NormalizePhone(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)

	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators dropped
		default:
			return "", false
		}
	}

	normalized := b.String()
	digits := strings.TrimPrefix(normalized, "+")
	if len(digits) < 7 {
		return "", false
	}
	return normalized, true
}
