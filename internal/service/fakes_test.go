package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/storage"
	"github.com/cati-dispatcher/internal/types"
)

// fakeQueueStore is an in-memory QueueStore with the same conditional
// semantics as the Postgres repository.
type fakeQueueStore struct {
	mu       sync.Mutex
	entries  map[string]*models.QueueEntry
	attempts []*models.CallAttempt

	// assignHook runs inside AssignIfPending before the claim check,
	// letting tests interleave a competing claim.
	assignHook func(id string)

	failGetByID bool
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{entries: make(map[string]*models.QueueEntry)}
}

func (f *fakeQueueStore) put(entry *models.QueueEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *entry
	f.entries[entry.ID] = &cp
}

func (f *fakeQueueStore) GetByID(ctx context.Context, id string) (*models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGetByID {
		return nil, fmt.Errorf("store unavailable")
	}
	entry, ok := f.entries[id]
	if !ok {
		return nil, fmt.Errorf("queue entry not found: %s", id)
	}
	cp := *entry
	return &cp, nil
}

func (f *fakeQueueStore) BulkCreate(ctx context.Context, entries []*models.QueueEntry) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inserted := 0
	for _, entry := range entries {
		conflict := false
		for _, existing := range f.entries {
			if existing.SurveyID == entry.SurveyID && existing.Phone == entry.Phone {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		cp := *entry
		f.entries[entry.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (f *fakeQueueStore) AssignIfPending(ctx context.Context, id, interviewerID string) (bool, error) {
	if f.assignHook != nil {
		f.assignHook(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok || entry.Status != types.QueuePending {
		return false, nil
	}

	now := time.Now().UTC()
	entry.Status = types.QueueAssigned
	entry.AssignedTo = &interviewerID
	entry.AssignedAt = &now
	return true, nil
}

func (f *fakeQueueStore) eligible(entry *models.QueueEntry, surveyID string, excludeIDs []string) bool {
	if entry.SurveyID != surveyID || entry.Status != types.QueuePending {
		return false
	}
	if entry.CallLaterAt != nil && entry.CallLaterAt.After(time.Now()) {
		return false
	}
	for _, excluded := range excludeIDs {
		if entry.ID == excluded {
			return false
		}
	}
	return true
}

func (f *fakeQueueStore) SelectCandidates(ctx context.Context, surveyID string, regions []string, excludeIDs []string, limit int) ([]*models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	regionSet := make(map[string]struct{}, len(regions))
	for _, r := range regions {
		regionSet[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}

	var result []*models.QueueEntry
	for _, entry := range f.entries {
		if !f.eligible(entry, surveyID, excludeIDs) {
			continue
		}
		if _, ok := regionSet[strings.ToLower(strings.TrimSpace(entry.Region))]; !ok {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeQueueStore) firstPending(surveyID string, excludeIDs []string, match func(*models.QueueEntry) bool) *models.QueueEntry {
	var result []*models.QueueEntry
	for _, entry := range f.entries {
		if !f.eligible(entry, surveyID, excludeIDs) {
			continue
		}
		if !match(entry) {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}
	if len(result) == 0 {
		return nil
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result[0]
}

func (f *fakeQueueStore) FirstPendingInRegions(ctx context.Context, surveyID string, regions []string, excludeIDs []string) (*models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	regionSet := make(map[string]struct{}, len(regions))
	for _, r := range regions {
		regionSet[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}

	return f.firstPending(surveyID, excludeIDs, func(entry *models.QueueEntry) bool {
		_, ok := regionSet[strings.ToLower(strings.TrimSpace(entry.Region))]
		return ok
	}), nil
}

func (f *fakeQueueStore) FirstPendingExcludingRegions(ctx context.Context, surveyID string, excludedRegions []string, excludeIDs []string) (*models.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	excludedSet := make(map[string]struct{}, len(excludedRegions))
	for _, r := range excludedRegions {
		excludedSet[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}

	return f.firstPending(surveyID, excludeIDs, func(entry *models.QueueEntry) bool {
		_, excluded := excludedSet[strings.ToLower(strings.TrimSpace(entry.Region))]
		return !excluded
	}), nil
}

func (f *fakeQueueStore) ApplyTransition(ctx context.Context, id string, effect storage.TransitionEffect) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok || entry.Status.IsTerminal() {
		return false, nil
	}

	entry.Status = effect.NextStatus
	if effect.Demote {
		entry.Priority = types.DemotedPriority
	}
	if effect.Elevate {
		entry.Priority = 1
	}
	if effect.RefreshPosition {
		entry.CreatedAt = time.Now().UTC()
	}
	if effect.Unassign {
		entry.AssignedTo = nil
		entry.AssignedAt = nil
	}
	if effect.CallLaterAt != nil {
		entry.CallLaterAt = effect.CallLaterAt
	}
	if effect.AbandonReason != nil {
		entry.AbandonReason = effect.AbandonReason
	}
	if effect.ResponseID != nil {
		entry.ResponseID = effect.ResponseID
	}
	return true, nil
}

func (f *fakeQueueStore) AppendCallAttempt(ctx context.Context, attempt *models.CallAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *attempt
	cp.AttemptNumber = len(f.attempts) + 1
	f.attempts = append(f.attempts, &cp)
	return nil
}

// fakeResponseStore is an in-memory ResponseStore enforcing the same
// guarded-update semantics as the Postgres repository.
type fakeResponseStore struct {
	mu      sync.Mutex
	records map[string]*models.ResponseRecord

	failCreate bool
}

func newFakeResponseStore() *fakeResponseStore {
	return &fakeResponseStore{records: make(map[string]*models.ResponseRecord)}
}

func (f *fakeResponseStore) Create(ctx context.Context, rec *models.ResponseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreate {
		return fmt.Errorf("store unavailable")
	}
	for _, existing := range f.records {
		if existing.ResponseToken == rec.ResponseToken {
			return fmt.Errorf("duplicate response token: %s", rec.ResponseToken)
		}
	}
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeResponseStore) GetByToken(ctx context.Context, token string) (*models.ResponseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.ResponseToken == token {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeResponseStore) GetByID(ctx context.Context, id string) (*models.ResponseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeResponseStore) GetByContentHash(ctx context.Context, hash string) (*models.ResponseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var oldest *models.ResponseRecord
	for _, rec := range f.records {
		if rec.ContentHash != hash {
			continue
		}
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
			oldest = rec
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func (f *fakeResponseStore) UpdateStatusGuarded(ctx context.Context, id string, status types.ResponseStatus, abandonReason *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]
	if !ok || rec.Status.IsTerminal() {
		return false, nil
	}
	rec.Status = status
	rec.AbandonReason = abandonReason
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *fakeResponseStore) RestoreStatus(ctx context.Context, id string, status types.ResponseStatus, abandonReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]
	if !ok {
		return fmt.Errorf("response not found: %s", id)
	}
	rec.Status = status
	rec.AbandonReason = abandonReason
	return nil
}

func (f *fakeResponseStore) MergeMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]
	if !ok {
		return fmt.Errorf("response not found: %s", id)
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]interface{})
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	return nil
}

// setStatus flips a stored record's status directly, bypassing the
// guard, to simulate a concurrent writer.
func (f *fakeResponseStore) setStatus(id string, status types.ResponseStatus, reason *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		rec.Status = status
		rec.AbandonReason = reason
	}
}

// fakeCallStore is an in-memory CallRecordStore.
type fakeCallStore struct {
	mu      sync.Mutex
	records map[string]*models.CallRecord
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{records: make(map[string]*models.CallRecord)}
}

func (f *fakeCallStore) put(rec *models.CallRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.CallID] = &cp
}

func (f *fakeCallStore) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[callID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeCallStore) Upsert(ctx context.Context, rec *models.CallRecord) error {
	f.put(rec)
	return nil
}

// stubQualityEngine returns a fixed decision or error.
type stubQualityEngine struct {
	decision *types.RejectionDecision
	err      error
	calls    int
}

func (s *stubQualityEngine) Evaluate(ctx context.Context, rec *models.ResponseRecord, answers []models.Answer) (*types.RejectionDecision, error) {
	s.calls++
	return s.decision, s.err
}

// recordingReviewQueue captures enqueued response ids.
type recordingReviewQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingReviewQueue) EnqueueForReview(ctx context.Context, responseID, surveyID, interviewerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, responseID)
	return nil
}
