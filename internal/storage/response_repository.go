package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/types"
	"github.com/jackc/pgx/v5"
)

// ResponseRepository handles response record persistence. Status
// updates carry the terminal-status guard in the WHERE clause as the
// storage-layer line of defense; the service layer applies the same
// guard before and after the write.
type ResponseRepository struct {
	db *PostgresDB
}

// NewResponseRepository creates a new response repository
func NewResponseRepository(db *PostgresDB) *ResponseRepository {
	return &ResponseRepository{db: db}
}

const responseColumns = `
	id, response_token, session_id, survey_id, interviewer_id,
	queue_entry_id, call_id, status, abandon_reason, content_hash,
	answers, started_at, completed_at, duration_secs, metadata,
	created_at, updated_at
`

func scanResponse(row pgx.Row) (*models.ResponseRecord, error) {
	var rec models.ResponseRecord
	var answersJSON, metadataJSON []byte

	err := row.Scan(
		&rec.ID,
		&rec.ResponseToken,
		&rec.SessionID,
		&rec.SurveyID,
		&rec.InterviewerID,
		&rec.QueueEntryID,
		&rec.CallID,
		&rec.Status,
		&rec.AbandonReason,
		&rec.ContentHash,
		&answersJSON,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.DurationSecs,
		&metadataJSON,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(answersJSON) > 0 {
		if err := json.Unmarshal(answersJSON, &rec.Answers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &rec, nil
}

// Create persists a new response record
func (r *ResponseRepository) Create(ctx context.Context, rec *models.ResponseRecord) error {
	answersJSON, err := json.Marshal(rec.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO response_records (
			id, response_token, session_id, survey_id, interviewer_id,
			queue_entry_id, call_id, status, abandon_reason, content_hash,
			answers, started_at, completed_at, duration_secs, metadata,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		rec.ID,
		rec.ResponseToken,
		rec.SessionID,
		rec.SurveyID,
		rec.InterviewerID,
		rec.QueueEntryID,
		rec.CallID,
		rec.Status,
		rec.AbandonReason,
		rec.ContentHash,
		answersJSON,
		rec.StartedAt,
		rec.CompletedAt,
		rec.DurationSecs,
		metadataJSON,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create response record: %w", err)
	}

	return nil
}

// GetByToken retrieves a response record by its response token
func (r *ResponseRepository) GetByToken(ctx context.Context, token string) (*models.ResponseRecord, error) {
	query := `SELECT ` + responseColumns + ` FROM response_records WHERE response_token = $1`
	return r.getOne(ctx, query, token)
}

// GetByID retrieves a response record by its storage-native id
func (r *ResponseRepository) GetByID(ctx context.Context, id string) (*models.ResponseRecord, error) {
	query := `SELECT ` + responseColumns + ` FROM response_records WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByContentHash retrieves the oldest response record carrying the
// given content fingerprint.
func (r *ResponseRepository) GetByContentHash(ctx context.Context, hash string) (*models.ResponseRecord, error) {
	query := `
		SELECT ` + responseColumns + `
		FROM response_records
		WHERE content_hash = $1
		ORDER BY created_at ASC
		LIMIT 1
	`
	return r.getOne(ctx, query, hash)
}

func (r *ResponseRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.ResponseRecord, error) {
	rec, err := scanResponse(r.db.Pool().QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get response record: %w", err)
	}
	return rec, nil
}

// UpdateStatusGuarded writes a new status only while the current status
// is non-terminal. The abandon reason is written or cleared together
// with the status so the reason/status invariant holds on every row
// version. A false return means the row was terminal (or missing) and
// was left untouched.
func (r *ResponseRepository) UpdateStatusGuarded(ctx context.Context, id string, status types.ResponseStatus, abandonReason *string) (bool, error) {
	query := `
		UPDATE response_records
		SET status = $2, abandon_reason = $3, updated_at = $4
		WHERE id = $1 AND status NOT IN ($5, $6, $7, $8)
	`

	result, err := r.db.Pool().Exec(ctx, query,
		id,
		status,
		abandonReason,
		time.Now().UTC(),
		types.ResponseApproved,
		types.ResponseRejected,
		types.ResponseTerminated,
		types.ResponseAbandoned,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update response status: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// RestoreStatus forces a status back onto a record, bypassing the
// guard. Only the post-write verifier calls this, to revert a status
// that slipped past the earlier checks.
func (r *ResponseRepository) RestoreStatus(ctx context.Context, id string, status types.ResponseStatus, abandonReason *string) error {
	query := `
		UPDATE response_records
		SET status = $2, abandon_reason = $3, updated_at = $4
		WHERE id = $1
	`

	_, err := r.db.Pool().Exec(ctx, query, id, status, abandonReason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to restore response status: %w", err)
	}

	return nil
}

// MergeMetadata merges non-status metadata into a record. Allowed on
// terminal records: provenance enrichment never touches the status.
func (r *ResponseRepository) MergeMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE response_records
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = $3
		WHERE id = $1
	`

	_, err = r.db.Pool().Exec(ctx, query, id, metadataJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to merge response metadata: %w", err)
	}

	return nil
}
