package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	telemetry "stationsync/internal/telemetry/domain"
)

const defaultStationTable = "stations"

type sensorJSON struct {
	LocationID int    `json:"location_id"`
	Metric     string `json:"metric"`
	Unit       string `json:"unit,omitempty"`
}

// StationRepository persists station registrations.
type StationRepository struct {
	db    *sql.DB
	table string
}

// NewStationRepository constructs a repository with default table name.
func NewStationRepository(db *sql.DB, opts ...RepositoryOption) *StationRepository {
	repo := &StationRepository{db: db, table: defaultStationTable}
	for _, opt := range opts {
		opt(&repo.table)
	}
	return repo
}

// Register creates or updates a station. created_at is kept on update.
func (r *StationRepository) Register(ctx context.Context, station telemetry.Station) error {
	if r == nil || r.db == nil {
		return errors.New("station repo: nil db")
	}
	if err := station.Validate(); err != nil {
		return err
	}
	sensors := make([]sensorJSON, 0, len(station.Sensors))
	for _, s := range station.Sensors {
		sensors = append(sensors, sensorJSON{LocationID: s.LocationID, Metric: s.Metric, Unit: s.Unit})
	}
	rawSensors, err := json.Marshal(sensors)
	if err != nil {
		return err
	}
	var backfill sql.NullTime
	if station.BackfillFrom != nil {
		backfill = sql.NullTime{Time: station.BackfillFrom.UTC(), Valid: true}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	name,
	sensors,
	cadence_seconds,
	enabled,
	backfill_from,
	created_at,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, NOW(), NOW()
)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	sensors = EXCLUDED.sensors,
	cadence_seconds = EXCLUDED.cadence_seconds,
	enabled = EXCLUDED.enabled,
	backfill_from = EXCLUDED.backfill_from,
	updated_at = NOW()`, r.table)

	_, err = r.db.ExecContext(ctx, query,
		station.ID,
		station.Name,
		rawSensors,
		int64(station.Cadence/time.Second),
		station.Enabled,
		backfill,
	)
	if err != nil {
		return StorageError("register station", err)
	}
	return nil
}

// Get returns a station or ErrStationNotFound.
func (r *StationRepository) Get(ctx context.Context, stationID string) (*telemetry.Station, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("station repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, name, sensors, cadence_seconds, enabled, backfill_from, created_at, updated_at
FROM %s
WHERE id = $1`, r.table)

	station, err := scanStation(r.db.QueryRowContext(ctx, query, stationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, telemetry.ErrStationNotFound
	}
	if err != nil {
		return nil, StorageError("get station", err)
	}
	return station, nil
}

// List returns all stations ordered by id.
func (r *StationRepository) List(ctx context.Context) ([]telemetry.Station, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("station repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, name, sensors, cadence_seconds, enabled, backfill_from, created_at, updated_at
FROM %s
ORDER BY id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, StorageError("list stations", err)
	}
	defer rows.Close()

	var result []telemetry.Station
	for rows.Next() {
		station, err := scanStation(rows)
		if err != nil {
			return nil, StorageError("list stations", err)
		}
		result = append(result, *station)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageError("list stations", err)
	}
	return result, nil
}

// Disable soft-disables a station.
func (r *StationRepository) Disable(ctx context.Context, stationID string) error {
	if r == nil || r.db == nil {
		return errors.New("station repo: nil db")
	}
	query := fmt.Sprintf(`UPDATE %s SET enabled = FALSE, updated_at = NOW() WHERE id = $1`, r.table)
	res, err := r.db.ExecContext(ctx, query, stationID)
	if err != nil {
		return StorageError("disable station", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return StorageError("disable station", err)
	}
	if affected == 0 {
		return telemetry.ErrStationNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStation(row rowScanner) (*telemetry.Station, error) {
	var (
		station    telemetry.Station
		name       sql.NullString
		rawSensors []byte
		cadence    int64
		backfill   sql.NullTime
	)
	if err := row.Scan(&station.ID, &name, &rawSensors, &cadence, &station.Enabled, &backfill, &station.CreatedAt, &station.UpdatedAt); err != nil {
		return nil, err
	}
	station.Name = name.String
	station.Cadence = time.Duration(cadence) * time.Second
	if backfill.Valid {
		from := backfill.Time.UTC()
		station.BackfillFrom = &from
	}
	var sensors []sensorJSON
	if len(rawSensors) > 0 {
		if err := json.Unmarshal(rawSensors, &sensors); err != nil {
			return nil, err
		}
	}
	for _, s := range sensors {
		station.Sensors = append(station.Sensors, telemetry.Sensor{LocationID: s.LocationID, Metric: s.Metric, Unit: s.Unit})
	}
	return &station, nil
}
