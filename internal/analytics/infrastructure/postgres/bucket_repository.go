package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stationsync/internal/analytics/domain/rollup"
	telemetrypostgres "stationsync/internal/telemetry/infrastructure/postgres"
)

const defaultBucketTable = "rollup_buckets"

// BucketRepository is a Postgres bucket store.
// One row per (station_id, granularity, period_start); metrics are stored as jsonb.
type BucketRepository struct {
	db    *sql.DB
	table string
}

// NewBucketRepository creates a repository using the default table name.
func NewBucketRepository(db *sql.DB, opts ...RepositoryOption) *BucketRepository {
	repo := &BucketRepository{db: db, table: defaultBucketTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*BucketRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *BucketRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

type metricJSON struct {
	Unit   string  `json:"unit,omitempty"`
	Count  int64   `json:"count"`
	Sum    float64 `json:"sum"`
	M2     float64 `json:"m2"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Rebuild takes a transaction scoped advisory lock on the bucket id, runs fn
// and replaces the row wholesale, or deletes it when fn returns no data.
func (r *BucketRepository) Rebuild(ctx context.Context, key rollup.Key, fn rollup.RebuildFunc) error {
	if r == nil || r.db == nil {
		return errors.New("bucket repo: nil db")
	}
	id := key.ID()
	if key.StationID == "" || id == "" {
		return rollup.ErrEmptyStationID
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return telemetrypostgres.StorageError("rebuild bucket", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "bucket|"+id); err != nil {
		return telemetrypostgres.StorageError("rebuild bucket", err)
	}

	bucket, err := fn(ctx)
	if err != nil {
		return err
	}

	if bucket.Empty() {
		query := fmt.Sprintf(`
DELETE FROM %s
WHERE station_id = $1
	AND granularity = $2
	AND period_start = $3`, r.table)
		if _, err := tx.ExecContext(ctx, query, key.StationID, string(key.Granularity), key.PeriodStart.UTC()); err != nil {
			return telemetrypostgres.StorageError("rebuild bucket", err)
		}
		return commit(tx)
	}
	if bucket.Key.ID() != id {
		return rollup.ErrKeyMismatch
	}

	timeKey, err := rollup.NewTimeKey(key.Granularity, key.PeriodStart)
	if err != nil {
		return err
	}
	metrics := make(map[string]metricJSON, len(bucket.Metrics))
	for name, m := range bucket.Metrics {
		metrics[name] = metricJSON{
			Unit:   m.Unit,
			Count:  m.Count,
			Sum:    m.Sum,
			M2:     m.M2,
			Min:    m.Min,
			Max:    m.Max,
			Mean:   m.Mean(),
			StdDev: m.StdDev(),
		}
	}
	raw, err := json.Marshal(metrics)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	station_id,
	granularity,
	period_start,
	time_key,
	metrics,
	computed_at
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (station_id, granularity, period_start)
DO UPDATE SET
	time_key = EXCLUDED.time_key,
	metrics = EXCLUDED.metrics,
	computed_at = EXCLUDED.computed_at`, r.table)

	if _, err := tx.ExecContext(ctx, query,
		key.StationID,
		string(key.Granularity),
		key.PeriodStart.UTC(),
		timeKey.String(),
		raw,
		bucket.ComputedAt.UTC(),
	); err != nil {
		return telemetrypostgres.StorageError("rebuild bucket", err)
	}
	return commit(tx)
}

// Get fetches one bucket.
func (r *BucketRepository) Get(ctx context.Context, key rollup.Key) (*rollup.Bucket, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("bucket repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT station_id, granularity, period_start, metrics, computed_at
FROM %s
WHERE station_id = $1
	AND granularity = $2
	AND period_start = $3
LIMIT 1`, r.table)

	bucket, err := scanBucket(r.db.QueryRowContext(ctx, query, key.StationID, string(key.Granularity), key.PeriodStart.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rollup.ErrBucketNotFound
	}
	if err != nil {
		return nil, telemetrypostgres.StorageError("get bucket", err)
	}
	return bucket, nil
}

// List lists buckets of one station and granularity with period start in [from, to).
func (r *BucketRepository) List(ctx context.Context, stationID string, g rollup.Granularity, from, to time.Time) ([]rollup.Bucket, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("bucket repo: nil db")
	}
	if !g.IsValid() {
		return nil, rollup.ErrInvalidGranularity
	}
	query := fmt.Sprintf(`
SELECT station_id, granularity, period_start, metrics, computed_at
FROM %s
WHERE station_id = $1
	AND granularity = $2
	AND period_start >= $3
	AND period_start < $4
ORDER BY period_start ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, stationID, string(g), from.UTC(), to.UTC())
	if err != nil {
		return nil, telemetrypostgres.StorageError("list buckets", err)
	}
	defer rows.Close()

	var result []rollup.Bucket
	for rows.Next() {
		bucket, err := scanBucket(rows)
		if err != nil {
			return nil, telemetrypostgres.StorageError("list buckets", err)
		}
		result = append(result, *bucket)
	}
	if err := rows.Err(); err != nil {
		return nil, telemetrypostgres.StorageError("list buckets", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (*rollup.Bucket, error) {
	var (
		bucket      rollup.Bucket
		granularity string
		raw         []byte
	)
	if err := row.Scan(&bucket.Key.StationID, &granularity, &bucket.Key.PeriodStart, &raw, &bucket.ComputedAt); err != nil {
		return nil, err
	}
	bucket.Key.Granularity = rollup.Granularity(granularity)
	bucket.Key.PeriodStart = bucket.Key.PeriodStart.UTC()
	bucket.ComputedAt = bucket.ComputedAt.UTC()

	var metrics map[string]metricJSON
	if err := json.Unmarshal(raw, &metrics); err != nil {
		return nil, err
	}
	bucket.Metrics = make(map[string]rollup.MetricStats, len(metrics))
	for name, m := range metrics {
		bucket.Metrics[name] = rollup.MetricStats{
			Unit: m.Unit,
			Stats: rollup.Stats{
				Count: m.Count,
				Sum:   m.Sum,
				M2:    m.M2,
				Min:   m.Min,
				Max:   m.Max,
			},
		}
	}
	return &bucket, nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return telemetrypostgres.StorageError("rebuild bucket", err)
	}
	return nil
}
