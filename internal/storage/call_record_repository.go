package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cati-dispatcher/internal/models"
	"github.com/jackc/pgx/v5"
)

// CallRecordRepository correlates provider call ids with queue entries.
// The calling collaborator writes these; the completion protocol reads
// them to decide whether a call ever connected.
type CallRecordRepository struct {
	db *PostgresDB
}

// NewCallRecordRepository creates a new call record repository
func NewCallRecordRepository(db *PostgresDB) *CallRecordRepository {
	return &CallRecordRepository{db: db}
}

// Upsert stores or refreshes the record for a provider call id
func (r *CallRecordRepository) Upsert(ctx context.Context, rec *models.CallRecord) error {
	query := `
		INSERT INTO call_records (id, call_id, queue_entry_id, provider_status, connected, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_id) DO UPDATE
		SET provider_status = EXCLUDED.provider_status,
		    connected = EXCLUDED.connected
	`

	_, err := r.db.Pool().Exec(ctx, query,
		rec.ID,
		rec.CallID,
		rec.QueueEntryID,
		rec.ProviderStatus,
		rec.Connected,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert call record: %w", err)
	}

	return nil
}

// GetByCallID retrieves the record for a provider call id
func (r *CallRecordRepository) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	query := `
		SELECT id, call_id, queue_entry_id, provider_status, connected, created_at
		FROM call_records
		WHERE call_id = $1
	`

	var rec models.CallRecord
	err := r.db.Pool().QueryRow(ctx, query, callID).Scan(
		&rec.ID,
		&rec.CallID,
		&rec.QueueEntryID,
		&rec.ProviderStatus,
		&rec.Connected,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}

	return &rec, nil
}
