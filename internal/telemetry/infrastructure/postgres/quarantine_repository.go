package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "stationsync/internal/telemetry/domain"
)

const defaultQuarantineTable = "quarantined_batches"

// QuarantineRepository stores rejected batches for operator review.
type QuarantineRepository struct {
	db    *sql.DB
	table string
}

// NewQuarantineRepository constructs a repository with default table name.
func NewQuarantineRepository(db *sql.DB, opts ...RepositoryOption) *QuarantineRepository {
	repo := &QuarantineRepository{db: db, table: defaultQuarantineTable}
	for _, opt := range opts {
		opt(&repo.table)
	}
	return repo
}

// Quarantine inserts a batch. Re-inserting the same id is a no-op.
func (r *QuarantineRepository) Quarantine(ctx context.Context, batch telemetry.QuarantinedBatch) error {
	if r == nil || r.db == nil {
		return errors.New("quarantine repo: nil db")
	}
	raw, err := encodeReadings(batch.Readings)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, station_id, reason, readings, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, r.table)
	if _, err := r.db.ExecContext(ctx, query, batch.ID, batch.StationID, batch.Reason, raw, batch.CreatedAt.UTC()); err != nil {
		return StorageError("quarantine batch", err)
	}
	return nil
}

// ListQuarantined returns the newest batches, optionally filtered by station.
func (r *QuarantineRepository) ListQuarantined(ctx context.Context, stationID string, limit int) ([]telemetry.QuarantinedBatch, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("quarantine repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT id, station_id, reason, readings, created_at
FROM %s
WHERE ($1 = '' OR station_id = $1)
ORDER BY created_at DESC
LIMIT $2`, r.table)

	rows, err := r.db.QueryContext(ctx, query, stationID, limit)
	if err != nil {
		return nil, StorageError("list quarantined", err)
	}
	defer rows.Close()

	var result []telemetry.QuarantinedBatch
	for rows.Next() {
		var (
			batch telemetry.QuarantinedBatch
			raw   []byte
		)
		if err := rows.Scan(&batch.ID, &batch.StationID, &batch.Reason, &raw, &batch.CreatedAt); err != nil {
			return nil, StorageError("list quarantined", err)
		}
		readings, err := decodeReadings(batch.StationID, raw)
		if err != nil {
			return nil, err
		}
		batch.Readings = readings
		result = append(result, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageError("list quarantined", err)
	}
	return result, nil
}

