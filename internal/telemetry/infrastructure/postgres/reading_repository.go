package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "stationsync/internal/telemetry/domain"
)

const defaultReadingTable = "station_readings"

// ReadingRepository is a Postgres raw series store keyed by (station_id, ts).
type ReadingRepository struct {
	db    *sql.DB
	table string
}

// NewReadingRepository constructs a repository with default table name.
func NewReadingRepository(db *sql.DB, opts ...RepositoryOption) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingTable}
	for _, opt := range opts {
		opt(&repo.table)
	}
	return repo
}

// RepositoryOption configures a repository.
type RepositoryOption func(table *string)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(current *string) {
		if table != "" {
			*current = table
		}
	}
}

// UpsertReadings writes the batch in one transaction. Metrics of an existing
// row are merged with the new ones so a partial re-fetch never drops values;
// a row that already holds every incoming value is left untouched.
// A transaction scoped advisory lock serializes writers of the same station.
func (r *ReadingRepository) UpsertReadings(ctx context.Context, stationID string, readings []telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if stationID == "" {
		return telemetry.ErrEmptyStationID
	}
	if len(readings) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	station_id,
	ts,
	metrics,
	ingested_at
) VALUES (
	$1, $2, $3, $4
)
ON CONFLICT (station_id, ts)
DO UPDATE SET
	metrics = %s.metrics || EXCLUDED.metrics,
	ingested_at = EXCLUDED.ingested_at
WHERE NOT %s.metrics @> EXCLUDED.metrics`, r.table, r.table, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return StorageError("upsert readings", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "readings|"+stationID); err != nil {
		rollback(tx)
		return StorageError("upsert readings", err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		rollback(tx)
		return StorageError("upsert readings", err)
	}
	defer stmt.Close()

	for _, reading := range readings {
		metrics, err := encodeMetrics(reading.Metrics)
		if err != nil {
			rollback(tx)
			return telemetry.ConstraintViolation("upsert readings", err)
		}
		ingestedAt := reading.IngestedAt
		if ingestedAt.IsZero() {
			ingestedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, stationID, reading.At.UTC(), metrics, ingestedAt); err != nil {
			rollback(tx)
			return StorageError("upsert readings", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return StorageError("upsert readings", err)
	}
	return nil
}

// ScanReadings returns readings in [from, to) ordered by timestamp.
func (r *ReadingRepository) ScanReadings(ctx context.Context, stationID string, from, to time.Time) ([]telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT ts, metrics, ingested_at
FROM %s
WHERE station_id = $1
	AND ts >= $2
	AND ts < $3
ORDER BY ts ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, stationID, from.UTC(), to.UTC())
	if err != nil {
		return nil, StorageError("scan readings", err)
	}
	defer rows.Close()

	var result []telemetry.Reading
	for rows.Next() {
		var (
			ts         time.Time
			raw        []byte
			ingestedAt time.Time
		)
		if err := rows.Scan(&ts, &raw, &ingestedAt); err != nil {
			return nil, StorageError("scan readings", err)
		}
		metrics, err := decodeMetrics(raw)
		if err != nil {
			return nil, fmt.Errorf("scan readings: decode metrics at %s: %w", ts.UTC().Format(time.RFC3339), err)
		}
		result = append(result, telemetry.Reading{
			StationID:  stationID,
			At:         ts.UTC(),
			Metrics:    metrics,
			IngestedAt: ingestedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, StorageError("scan readings", err)
	}
	return result, nil
}
