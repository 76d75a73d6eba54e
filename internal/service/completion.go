package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cati-dispatcher/internal/circuitbreaker"
	"github.com/cati-dispatcher/internal/errors"
	"github.com/cati-dispatcher/internal/logging"
	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/retry"
	"github.com/cati-dispatcher/internal/storage"
	"github.com/cati-dispatcher/internal/types"
	"github.com/google/uuid"
)

// CompletionRequest carries one completion submission from a client.
// Mobile clients retry arbitrarily often, so every identifying field
// doubles as an idempotency key.
type CompletionRequest struct {
	// ResponseToken is the caller-supplied idempotency token from a
	// previous attempt, when the client still has it.
	ResponseToken string
	// NativeID is the storage-native record id, the secondary key for
	// clients that lost the token but kept the storage id.
	NativeID      string
	SessionID     string
	SurveyID      string
	InterviewerID string
	QueueEntryID  string
	CallID        string
	Answers       []models.Answer
	Outcome       types.CallOutcome
	StartedAt     time.Time
	CompletedAt   *time.Time
	// AbandonReason and Abandoned are the explicit abandonment signals.
	AbandonReason string
	Abandoned     bool
	Metadata      map[string]interface{}
}

// CompletionResult is the outcome reported back to the client.
type CompletionResult struct {
	Record *models.ResponseRecord `json:"record"`
	// IsDuplicate reports that an earlier submission already produced
	// this record; the stored result is returned verbatim.
	IsDuplicate bool `json:"isDuplicate"`
	// StatusPreserved reports that a terminal status blocked the
	// requested write and the stored status was returned unchanged.
	StatusPreserved bool `json:"statusPreserved"`
}

// CompletionService records interview outcomes exactly once and keeps
// terminal statuses immutable.
type CompletionService struct {
	responses     ResponseStore
	queues        QueueStore
	calls         CallRecordStore
	cache         *storage.DispatchCache
	priorities    *PriorityIndex
	quality       QualityEngine
	review        ReviewQueue
	policy        AbandonPolicy
	collabTimeout time.Duration
	qualityBreak  *circuitbreaker.CircuitBreaker
}

// NewCompletionService creates a new completion service
func NewCompletionService(
	responses ResponseStore,
	queues QueueStore,
	calls CallRecordStore,
	cache *storage.DispatchCache,
	priorities *PriorityIndex,
	quality QualityEngine,
	review ReviewQueue,
	policy AbandonPolicy,
	collabTimeout time.Duration,
) *CompletionService {
	if collabTimeout <= 0 {
		collabTimeout = 3 * time.Second
	}
	return &CompletionService{
		responses:     responses,
		queues:        queues,
		calls:         calls,
		cache:         cache,
		priorities:    priorities,
		quality:       quality,
		review:        review,
		policy:        policy,
		collabTimeout: collabTimeout,
		qualityBreak: circuitbreaker.New(circuitbreaker.Config{
			Name:        "quality-engine",
			MaxFailures: 3,
			CoolOff:     30 * time.Second,
		}),
	}
}

// RecordCompletion records the outcome of one call/interview exactly
// once. Duplicate submissions are resolved through the layered checks
// and reported as successes with IsDuplicate set.
func (s *CompletionService) RecordCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	logger := logging.FromContext(ctx)

	if err := validateCompletionRequest(req); err != nil {
		return nil, err
	}

	// Layer 1: caller-supplied response token.
	if req.ResponseToken != "" {
		rec, err := s.responses.GetByToken(ctx, req.ResponseToken)
		if err != nil {
			return nil, errors.NewDatabaseError("response lookup by token", err)
		}
		if rec != nil {
			return s.duplicateResult(ctx, rec, req), nil
		}
	}

	// Layer 2: storage-native id.
	if req.NativeID != "" {
		rec, err := s.responses.GetByID(ctx, req.NativeID)
		if err != nil {
			return nil, errors.NewDatabaseError("response lookup by id", err)
		}
		if rec != nil {
			return s.duplicateResult(ctx, rec, req), nil
		}
	}

	// Layer 3: session-scoped fast cache. Cache failures fall through
	// to the store checks.
	if token, found, err := s.cache.GetSessionResponse(ctx, req.SessionID); err != nil {
		logger.WithError(err).Warn("Session cache read failed, falling back to store")
	} else if found {
		rec, err := s.responses.GetByToken(ctx, token)
		if err != nil {
			return nil, errors.NewDatabaseError("response lookup by session", err)
		}
		if rec != nil {
			return s.duplicateResult(ctx, rec, req), nil
		}
	}

	// Layer 4: content fingerprint, catching retries whose session
	// token was regenerated offline.
	contentHash := ContentFingerprint(req)
	rec, err := s.responses.GetByContentHash(ctx, contentHash)
	if err != nil {
		return nil, errors.NewDatabaseError("response lookup by fingerprint", err)
	}
	if rec != nil {
		s.rememberSession(ctx, req.SessionID, rec.ResponseToken)
		return s.duplicateResult(ctx, rec, req), nil
	}

	return s.createRecord(ctx, req, contentHash)
}

// createRecord classifies the attempt and writes the permanent record.
func (s *CompletionService) createRecord(ctx context.Context, req *CompletionRequest, contentHash string) (*CompletionResult, error) {
	logger := logging.FromContext(ctx)

	entry := s.loadQueueEntry(ctx, req.QueueEntryID)
	abandoned, reason := s.policy.Classify(s.collectSignals(ctx, req, entry))

	status := types.ResponsePendingApproval
	if abandoned {
		status = types.ResponseAbandoned
	}

	now := time.Now().UTC()
	token := req.ResponseToken
	if token == "" {
		token = uuid.NewString()
	}

	rec := &models.ResponseRecord{
		ID:            uuid.NewString(),
		ResponseToken: token,
		SessionID:     req.SessionID,
		SurveyID:      req.SurveyID,
		InterviewerID: req.InterviewerID,
		Status:        status,
		AbandonReason: normalizeAbandonReason(status, reason),
		ContentHash:   contentHash,
		Answers:       req.Answers,
		StartedAt:     req.StartedAt,
		CompletedAt:   req.CompletedAt,
		DurationSecs:  int(elapsed(req).Seconds()),
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.QueueEntryID != "" {
		rec.QueueEntryID = &req.QueueEntryID
	}
	if req.CallID != "" {
		rec.CallID = &req.CallID
	}

	if err := s.responses.Create(ctx, rec); err != nil {
		// A concurrent retry may have inserted the same token between
		// the lookup and the write; resolve it as a duplicate.
		if req.ResponseToken != "" {
			if existing, lookupErr := s.responses.GetByToken(ctx, req.ResponseToken); lookupErr == nil && existing != nil {
				return s.duplicateResult(ctx, existing, req), nil
			}
		}
		return nil, errors.NewDatabaseError("response create", err)
	}

	s.rememberSession(ctx, req.SessionID, rec.ResponseToken)
	s.transitionQueue(ctx, req, rec, entry, abandoned, reason)

	if !abandoned {
		s.reviewNonAbandoned(ctx, rec, req)
		// Reload: the quality engine may have rejected the record.
		if updated, err := s.responses.GetByID(ctx, rec.ID); err == nil && updated != nil {
			rec = updated
		}
	}

	logger.WithFields(map[string]interface{}{
		"responseToken": rec.ResponseToken,
		"surveyId":      rec.SurveyID,
		"status":        string(rec.Status),
	}).Info("Recorded interview completion")

	return &CompletionResult{Record: rec}, nil
}

// collectSignals gathers abandonment indicators from the request, the
// originating queue entry, and the call correlation record.
func (s *CompletionService) collectSignals(ctx context.Context, req *CompletionRequest, entry *models.QueueEntry) AbandonSignals {
	signals := AbandonSignals{
		ExplicitReason:     req.AbandonReason,
		ExplicitFlag:       req.Abandoned,
		ConsentRefused:     req.Outcome == types.OutcomeConsentRefused,
		Elapsed:            elapsed(req),
		SubstantiveAnswers: countSubstantive(req.Answers),
	}

	// Defensive cross-check: abandonment recorded through a different
	// endpoint lives on the queue entry.
	if entry != nil && entry.AbandonReason != nil && *entry.AbandonReason != "" {
		signals.QueueEntryReason = *entry.AbandonReason
	}

	switch req.Outcome {
	case types.OutcomeCompleted:
		if req.CallID != "" {
			callRec, err := s.calls.GetByCallID(ctx, req.CallID)
			if err != nil {
				logging.FromContext(ctx).WithError(err).Warn("Call record lookup failed, trusting reported outcome")
			} else if callRec != nil && !callRec.Connected {
				signals.CallNeverConnected = true
			}
		}
	case types.OutcomeConsentRefused, types.OutcomeCallLater:
		// Connected but not an interview; handled by their own signals.
	default:
		signals.CallNeverConnected = true
	}

	return signals
}

// transitionQueue applies the queue-side effect of the outcome and
// logs the call attempt. Failures here degrade to warnings: the
// response record is already durable.
func (s *CompletionService) transitionQueue(ctx context.Context, req *CompletionRequest, rec *models.ResponseRecord, entry *models.QueueEntry, abandoned bool, reason string) {
	if req.QueueEntryID == "" || entry == nil {
		return
	}
	logger := logging.FromContext(ctx)

	outcome := req.Outcome
	if abandoned && outcome == types.OutcomeCompleted {
		// The heuristic overruled the client's completed claim; the
		// queue entry goes back for a retry rather than terminal.
		outcome = types.OutcomeNoAnswer
	}

	input := TransitionInput{RegionExcluded: s.regionExcluded(ctx, entry.Region)}
	if outcome == types.OutcomeCompleted {
		input.ResponseID = &rec.ID
	}
	if reason != "" {
		input.AbandonReason = &reason
	}

	effect, err := TransitionFor(outcome, input)
	if err != nil {
		logger.WithError(err).Warn("No queue transition for outcome")
		return
	}

	if _, err := s.queues.ApplyTransition(ctx, req.QueueEntryID, effect); err != nil {
		logger.WithError(err).Warn("Failed to apply queue transition")
	}

	attempt := &models.CallAttempt{
		ID:           uuid.NewString(),
		QueueEntryID: req.QueueEntryID,
		AttemptedAt:  time.Now().UTC(),
		AttemptedBy:  req.InterviewerID,
		Outcome:      outcome,
	}
	if reason != "" {
		attempt.Reason = &reason
	}
	if err := s.queues.AppendCallAttempt(ctx, attempt); err != nil {
		logger.WithError(err).Warn("Failed to log call attempt")
	}
}

// reviewNonAbandoned runs the auto-rejection engine and, when the
// record survives, batches it for human review. Both collaborators
// degrade gracefully: an engine failure leaves the record in
// Pending_Approval rather than blocking the response, and a sustained
// engine outage opens the breaker so later completions skip the
// evaluation entirely instead of burning the retry budget.
func (s *CompletionService) reviewNonAbandoned(ctx context.Context, rec *models.ResponseRecord, req *CompletionRequest) {
	logger := logging.FromContext(ctx)

	var decision *types.RejectionDecision
	err := s.qualityBreak.Execute(ctx, func() error {
		return retry.WithRetry(ctx, func(ctx context.Context, attempt int) error {
			evalCtx, cancel := context.WithTimeout(ctx, s.collabTimeout)
			defer cancel()

			var evalErr error
			decision, evalErr = s.quality.Evaluate(evalCtx, rec, req.Answers)
			return evalErr
		})
	})
	if err != nil {
		logger.WithError(err).Warn("Quality engine unavailable, leaving response pending approval")
		return
	}

	if decision != nil {
		if _, err := s.setStatusGuarded(ctx, rec, types.ResponseRejected, ""); err != nil {
			logger.WithError(err).Warn("Failed to apply auto-rejection")
			return
		}
		meta := map[string]interface{}{"rejectionReason": decision.Reason}
		for k, v := range decision.Details {
			meta[k] = v
		}
		if err := s.responses.MergeMetadata(ctx, rec.ID, meta); err != nil {
			logger.WithError(err).Warn("Failed to record rejection details")
		}
		return
	}

	reviewCtx, cancel := context.WithTimeout(ctx, s.collabTimeout)
	defer cancel()
	if err := s.review.EnqueueForReview(reviewCtx, rec.ID, rec.SurveyID, rec.InterviewerID); err != nil {
		logger.WithError(err).Warn("Failed to enqueue response for review")
	}
}

// setStatusGuarded is the only path that writes a response status. The
// terminal guard runs at three boundaries: on the fetched record, in
// the conditional update itself, and on a post-write re-read that
// reverts any status that slipped through.
func (s *CompletionService) setStatusGuarded(ctx context.Context, rec *models.ResponseRecord, status types.ResponseStatus, abandonReason string) (bool, error) {
	if guardTerminal(ctx, rec, status, GuardAtFetch) {
		return false, nil
	}

	// Pre-write: the stored row may have turned terminal since the
	// fetch; the guarded update refuses it atomically.
	updated, err := s.responses.UpdateStatusGuarded(ctx, rec.ID, status, normalizeAbandonReason(status, abandonReason))
	if err != nil {
		return false, err
	}
	if !updated {
		if current, readErr := s.responses.GetByID(ctx, rec.ID); readErr == nil && current != nil {
			guardTerminal(ctx, current, status, GuardPreWrite)
			*rec = *current
		}
		return false, nil
	}

	// Post-write verification: re-read and revert if the write landed
	// on a record that was terminal with a different status.
	current, err := s.responses.GetByID(ctx, rec.ID)
	if err != nil || current == nil {
		return true, nil
	}
	if rec.Status.IsTerminal() && current.Status != rec.Status {
		guardTerminal(ctx, current, current.Status, GuardPostWrite)
		if err := s.responses.RestoreStatus(ctx, rec.ID, rec.Status, rec.AbandonReason); err != nil {
			return false, err
		}
		return false, nil
	}

	*rec = *current
	return true, nil
}

// duplicateResult returns a stored record verbatim for a retried
// submission. The stored status is never touched; StatusPreserved is
// only raised when the retry asked for a different status than the
// terminal one on record, not for a faithful resend.
func (s *CompletionService) duplicateResult(ctx context.Context, rec *models.ResponseRecord, req *CompletionRequest) *CompletionResult {
	preserved := false
	if requested := requestedStatus(req); requested != rec.Status {
		preserved = guardTerminal(ctx, rec, requested, GuardAtFetch)
	}
	return &CompletionResult{
		Record:          rec,
		IsDuplicate:     true,
		StatusPreserved: preserved,
	}
}

func (s *CompletionService) rememberSession(ctx context.Context, sessionID, token string) {
	if sessionID == "" {
		return
	}
	if err := s.cache.SetSessionResponse(ctx, sessionID, token); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to cache session response")
	}
}

func (s *CompletionService) loadQueueEntry(ctx context.Context, queueEntryID string) *models.QueueEntry {
	if queueEntryID == "" {
		return nil
	}
	entry, err := s.queues.GetByID(ctx, queueEntryID)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Queue entry lookup failed during completion")
		return nil
	}
	return entry
}

func (s *CompletionService) regionExcluded(ctx context.Context, region string) bool {
	priority, ok := s.priorities.PriorityOf(ctx, region)
	return ok && priority == types.ExcludedPriority
}

// requestedStatus derives the status a request is implicitly asking for.
func requestedStatus(req *CompletionRequest) types.ResponseStatus {
	if req.Abandoned || req.AbandonReason != "" {
		return types.ResponseAbandoned
	}
	return types.ResponsePendingApproval
}

func validateCompletionRequest(req *CompletionRequest) error {
	if req.SessionID == "" {
		return errors.NewMalformedPayloadError("sessionId is required")
	}
	if req.SurveyID == "" {
		return errors.NewMalformedPayloadError("surveyId is required")
	}
	if req.InterviewerID == "" {
		return errors.NewMalformedPayloadError("interviewerId is required")
	}
	if !req.Outcome.Valid() {
		return errors.NewMalformedPayloadError(fmt.Sprintf("unknown call outcome %q", req.Outcome))
	}
	if req.StartedAt.IsZero() {
		return errors.NewMalformedPayloadError("startedAt is required")
	}
	return nil
}

func elapsed(req *CompletionRequest) time.Duration {
	end := time.Now().UTC()
	if req.CompletedAt != nil {
		end = *req.CompletedAt
	}
	d := end.Sub(req.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

func countSubstantive(answers []models.Answer) int {
	count := 0
	for _, a := range answers {
		if a.Substantive() {
			count++
		}
	}
	return count
}

// ContentFingerprint hashes the semantically meaningful fields of an
// attempt so duplicates are caught even when the session token was
// regenerated: interviewer, survey, start time, call id, and the
// answer payload in a canonical order.
func ContentFingerprint(req *CompletionRequest) string {
	answers := make([]models.Answer, len(req.Answers))
	copy(answers, req.Answers)
	sort.Slice(answers, func(i, j int) bool {
		return answers[i].QuestionID < answers[j].QuestionID
	})

	payload := struct {
		InterviewerID string          `json:"interviewerId"`
		SurveyID      string          `json:"surveyId"`
		StartedAt     string          `json:"startedAt"`
		CallID        string          `json:"callId"`
		Answers       []models.Answer `json:"answers"`
	}{
		InterviewerID: req.InterviewerID,
		SurveyID:      req.SurveyID,
		StartedAt:     req.StartedAt.UTC().Format(time.RFC3339),
		CallID:        req.CallID,
		Answers:       answers,
	}

	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
