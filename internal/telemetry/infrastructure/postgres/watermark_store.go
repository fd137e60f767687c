package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "stationsync/internal/telemetry/domain"
)

const defaultWatermarkTable = "station_sync_state"

// WatermarkStore persists watermarks and the last attempt per station in one row.
type WatermarkStore struct {
	db    *sql.DB
	table string
}

// NewWatermarkStore constructs a store with default table name.
func NewWatermarkStore(db *sql.DB, opts ...RepositoryOption) *WatermarkStore {
	store := &WatermarkStore{db: db, table: defaultWatermarkTable}
	for _, opt := range opts {
		opt(&store.table)
	}
	return store
}

// Read returns the watermark or nil when the station never advanced.
func (s *WatermarkStore) Read(ctx context.Context, stationID string) (*telemetry.Watermark, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("watermark store: nil db")
	}
	query := fmt.Sprintf(`
SELECT last_ts, token, backfill_applied, updated_at
FROM %s
WHERE station_id = $1 AND last_ts IS NOT NULL`, s.table)

	var (
		wm       = telemetry.Watermark{StationID: stationID}
		token    sql.NullString
		backfill sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, stationID).Scan(&wm.Timestamp, &token, &backfill, &wm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, StorageError("read watermark", err)
	}
	wm.Timestamp = wm.Timestamp.UTC()
	wm.Token = token.String
	if backfill.Valid {
		applied := backfill.Time.UTC()
		wm.BackfillApplied = &applied
	}
	return &wm, nil
}

// Advance is a conditional upsert: the row is only updated when the new
// timestamp is not older than the stored one or when rewinding is forced.
func (s *WatermarkStore) Advance(ctx context.Context, wm telemetry.Watermark, opts telemetry.AdvanceOptions) error {
	if s == nil || s.db == nil {
		return errors.New("watermark store: nil db")
	}
	if wm.StationID == "" {
		return telemetry.ErrEmptyStationID
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	station_id,
	last_ts,
	token,
	backfill_applied,
	updated_at
) VALUES (
	$1, $2, $3, $4, NOW()
)
ON CONFLICT (station_id)
DO UPDATE SET
	last_ts = EXCLUDED.last_ts,
	token = EXCLUDED.token,
	backfill_applied = EXCLUDED.backfill_applied,
	updated_at = NOW()
WHERE $5::boolean
	OR %s.last_ts IS NULL
	OR %s.last_ts <= EXCLUDED.last_ts`, s.table, s.table, s.table)

	var backfill sql.NullTime
	if wm.BackfillApplied != nil {
		backfill = sql.NullTime{Time: wm.BackfillApplied.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, query, wm.StationID, wm.Timestamp.UTC(), nullString(wm.Token), backfill, opts.ForceRewind)
	if err != nil {
		return StorageError("advance watermark", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return StorageError("advance watermark", err)
	}
	if affected == 0 {
		return telemetry.ErrStaleWatermark
	}
	return nil
}

// RecordAttempt stores the outcome of the last cycle without touching the cursor.
func (s *WatermarkStore) RecordAttempt(ctx context.Context, attempt telemetry.Attempt) error {
	if s == nil || s.db == nil {
		return errors.New("watermark store: nil db")
	}
	if attempt.StationID == "" {
		return telemetry.ErrEmptyStationID
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	station_id,
	last_attempt_at,
	last_status,
	last_error,
	retry_count,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, NOW()
)
ON CONFLICT (station_id)
DO UPDATE SET
	last_attempt_at = EXCLUDED.last_attempt_at,
	last_status = EXCLUDED.last_status,
	last_error = EXCLUDED.last_error,
	retry_count = EXCLUDED.retry_count,
	updated_at = NOW()`, s.table)

	if _, err := s.db.ExecContext(ctx, query, attempt.StationID, attempt.At.UTC(), string(attempt.Status), nullString(attempt.Error), attempt.RetryCount); err != nil {
		return StorageError("record attempt", err)
	}
	return nil
}

// LastAttempt returns the last recorded attempt or nil.
func (s *WatermarkStore) LastAttempt(ctx context.Context, stationID string) (*telemetry.Attempt, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("watermark store: nil db")
	}
	query := fmt.Sprintf(`
SELECT last_attempt_at, last_status, last_error, retry_count
FROM %s
WHERE station_id = $1 AND last_attempt_at IS NOT NULL`, s.table)

	var (
		attempt = telemetry.Attempt{StationID: stationID}
		status  string
		lastErr sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, stationID).Scan(&attempt.At, &status, &lastErr, &attempt.RetryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, StorageError("last attempt", err)
	}
	attempt.At = attempt.At.UTC()
	attempt.Status = telemetry.AttemptStatus(status)
	attempt.Error = lastErr.String
	return &attempt, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
