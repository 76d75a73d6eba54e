package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/types"
	"github.com/jackc/pgx/v5"
)

// QueueRepository handles queue entry persistence
type QueueRepository struct {
	db *PostgresDB
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *PostgresDB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueEntryColumns = `
	id, survey_id, name, phone, region, sub_region, polling_unit,
	status, assigned_to, assigned_at, priority, abandon_reason,
	call_later_at, response_id, call_record_id, created_at
`

func scanQueueEntry(row pgx.Row) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := row.Scan(
		&e.ID,
		&e.SurveyID,
		&e.Name,
		&e.Phone,
		&e.Region,
		&e.SubRegion,
		&e.PollingUnit,
		&e.Status,
		&e.AssignedTo,
		&e.AssignedAt,
		&e.Priority,
		&e.AbandonReason,
		&e.CallLaterAt,
		&e.ResponseID,
		&e.CallRecordID,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create creates a single queue entry
func (r *QueueRepository) Create(ctx context.Context, entry *models.QueueEntry) error {
	query := `
		INSERT INTO queue_entries (
			id, survey_id, name, phone, region, sub_region, polling_unit,
			status, priority, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		entry.ID,
		entry.SurveyID,
		entry.Name,
		entry.Phone,
		entry.Region,
		entry.SubRegion,
		entry.PollingUnit,
		entry.Status,
		entry.Priority,
		entry.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create queue entry: %w", err)
	}

	return nil
}

// BulkCreate inserts entries in one batch, deduplicating by phone
// number within the survey. Returns the number of rows inserted;
// duplicates are skipped silently.
func (r *QueueRepository) BulkCreate(ctx context.Context, entries []*models.QueueEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO queue_entries (
			id, survey_id, name, phone, region, sub_region, polling_unit,
			status, priority, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (survey_id, phone) DO NOTHING
	`

	inserted := 0
	for _, entry := range entries {
		result, err := r.db.Pool().Exec(ctx, query,
			entry.ID,
			entry.SurveyID,
			entry.Name,
			entry.Phone,
			entry.Region,
			entry.SubRegion,
			entry.PollingUnit,
			entry.Status,
			entry.Priority,
			entry.CreatedAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to bulk create queue entries: %w", err)
		}
		inserted += int(result.RowsAffected())
	}

	return inserted, nil
}

// GetByID retrieves a queue entry by id
func (r *QueueRepository) GetByID(ctx context.Context, id string) (*models.QueueEntry, error) {
	query := `SELECT ` + queueEntryColumns + ` FROM queue_entries WHERE id = $1`

	entry, err := scanQueueEntry(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("queue entry not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}

	return entry, nil
}

// AssignIfPending performs the atomic claim: the entry becomes assigned
// to the interviewer only if it is still pending. This is a single
// conditional update, not a read-then-write; a false return means
// another interviewer won the race.
func (r *QueueRepository) AssignIfPending(ctx context.Context, id, interviewerID string) (bool, error) {
	query := `
		UPDATE queue_entries
		SET status = $3, assigned_to = $2, assigned_at = $4
		WHERE id = $1 AND status = $5
	`

	result, err := r.db.Pool().Exec(ctx, query,
		id,
		interviewerID,
		types.QueueAssigned,
		time.Now().UTC(),
		types.QueuePending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to assign queue entry: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// SelectCandidates returns pending entries in the given regions for the
// survey, FIFO by created_at, bounded by limit. Selection never
// mutates state.
func (r *QueueRepository) SelectCandidates(ctx context.Context, surveyID string, regions []string, excludeIDs []string, limit int) ([]*models.QueueEntry, error) {
	query := `
		SELECT ` + queueEntryColumns + `
		FROM queue_entries
		WHERE survey_id = $1
		  AND status = $2
		  AND lower(region) = ANY($3)
		  AND NOT (id = ANY($4))
		  AND (call_later_at IS NULL OR call_later_at <= now())
		ORDER BY created_at ASC
		LIMIT $5
	`

	rows, err := r.db.Pool().Query(ctx, query, surveyID, types.QueuePending, lowerAll(regions), emptyIfNil(excludeIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}
	defer rows.Close()

	return collectQueueEntries(rows)
}

// FirstPendingInRegions returns the oldest pending entry restricted to
// the given regions.
func (r *QueueRepository) FirstPendingInRegions(ctx context.Context, surveyID string, regions []string, excludeIDs []string) (*models.QueueEntry, error) {
	query := `
		SELECT ` + queueEntryColumns + `
		FROM queue_entries
		WHERE survey_id = $1
		  AND status = $2
		  AND lower(region) = ANY($3)
		  AND NOT (id = ANY($4))
		  AND (call_later_at IS NULL OR call_later_at <= now())
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`

	entry, err := scanQueueEntry(r.db.Pool().QueryRow(ctx, query, surveyID, types.QueuePending, lowerAll(regions), emptyIfNil(excludeIDs)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get first pending entry: %w", err)
	}

	return entry, nil
}

// FirstPendingExcludingRegions returns the oldest pending entry whose
// region is not in the excluded set. Used for the unrestricted
// fallback, where priority-0 regions stay out of dispatch.
func (r *QueueRepository) FirstPendingExcludingRegions(ctx context.Context, surveyID string, excludedRegions []string, excludeIDs []string) (*models.QueueEntry, error) {
	query := `
		SELECT ` + queueEntryColumns + `
		FROM queue_entries
		WHERE survey_id = $1
		  AND status = $2
		  AND NOT (lower(region) = ANY($3))
		  AND NOT (id = ANY($4))
		  AND (call_later_at IS NULL OR call_later_at <= now())
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`

	entry, err := scanQueueEntry(r.db.Pool().QueryRow(ctx, query, surveyID, types.QueuePending, lowerAll(excludedRegions), emptyIfNil(excludeIDs)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get first pending entry: %w", err)
	}

	return entry, nil
}

// TransitionEffect captures the queue-side consequences of one call or
// interview outcome.
type TransitionEffect struct {
	NextStatus      types.QueueStatus
	Demote          bool
	RefreshPosition bool
	Unassign        bool
	Elevate         bool
	CallLaterAt     *time.Time
	AbandonReason   *string
	ResponseID      *string
}

// ApplyTransition moves a queue entry to its next status with the
// requeue effects of the outcome. Entries already in a terminal queue
// status are never touched; a false return reports that nothing
// changed.
func (r *QueueRepository) ApplyTransition(ctx context.Context, id string, effect TransitionEffect) (bool, error) {
	query := `
		UPDATE queue_entries
		SET status = $2,
		    priority = CASE
		        WHEN $3 THEN 1
		        WHEN $4 THEN -1
		        ELSE priority
		    END,
		    created_at = CASE WHEN $5 THEN $6 ELSE created_at END,
		    assigned_to = CASE WHEN $7 THEN NULL ELSE assigned_to END,
		    assigned_at = CASE WHEN $7 THEN NULL ELSE assigned_at END,
		    call_later_at = COALESCE($8, call_later_at),
		    abandon_reason = COALESCE($9, abandon_reason),
		    response_id = COALESCE($10, response_id)
		WHERE id = $1 AND status NOT IN ($11, $12, $13)
	`

	result, err := r.db.Pool().Exec(ctx, query,
		id,
		effect.NextStatus,
		effect.Elevate,
		effect.Demote,
		effect.RefreshPosition,
		time.Now().UTC(),
		effect.Unassign,
		effect.CallLaterAt,
		effect.AbandonReason,
		effect.ResponseID,
		types.QueueInterviewSuccess,
		types.QueueDoesNotExist,
		types.QueueRejected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply queue transition: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// AppendCallAttempt logs one call attempt against an entry. The attempt
// number is derived from the current count so concurrent writers never
// collide on it.
func (r *QueueRepository) AppendCallAttempt(ctx context.Context, attempt *models.CallAttempt) error {
	query := `
		INSERT INTO call_attempts (
			id, queue_entry_id, attempt_number, attempted_at, attempted_by,
			outcome, reason, notes, scheduled_for
		)
		VALUES (
			$1, $2,
			(SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM call_attempts WHERE queue_entry_id = $2),
			$3, $4, $5, $6, $7, $8
		)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		attempt.ID,
		attempt.QueueEntryID,
		attempt.AttemptedAt,
		attempt.AttemptedBy,
		attempt.Outcome,
		attempt.Reason,
		attempt.Notes,
		attempt.ScheduledFor,
	)
	if err != nil {
		return fmt.Errorf("failed to append call attempt: %w", err)
	}

	return nil
}

// ListCallAttempts returns the ordered attempt history for an entry.
func (r *QueueRepository) ListCallAttempts(ctx context.Context, queueEntryID string) ([]*models.CallAttempt, error) {
	query := `
		SELECT id, queue_entry_id, attempt_number, attempted_at, attempted_by,
		       outcome, reason, notes, scheduled_for
		FROM call_attempts
		WHERE queue_entry_id = $1
		ORDER BY attempt_number ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, queueEntryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list call attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.CallAttempt
	for rows.Next() {
		var a models.CallAttempt
		err := rows.Scan(
			&a.ID,
			&a.QueueEntryID,
			&a.AttemptNumber,
			&a.AttemptedAt,
			&a.AttemptedBy,
			&a.Outcome,
			&a.Reason,
			&a.Notes,
			&a.ScheduledFor,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call attempts: %w", err)
	}

	return attempts, nil
}

func collectQueueEntries(rows pgx.Rows) ([]*models.QueueEntry, error) {
	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}

func lowerAll(values []string) []string {
	lowered := make([]string, len(values))
	for i, v := range values {
		lowered[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return lowered
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
