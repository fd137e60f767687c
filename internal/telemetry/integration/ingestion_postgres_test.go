package integration_test

import (
	"context"
	"database/sql"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetryapp "stationsync/internal/telemetry/application"
	telemetry "stationsync/internal/telemetry/domain"
	telemetrypostgres "stationsync/internal/telemetry/infrastructure/postgres"
	"stationsync/migrations"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Apply(context.Background(), db))
	return db
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func cleanup(t *testing.T, db *sql.DB, stationID string) {
	t.Cleanup(func() {
		ctx := context.Background()
		for _, table := range []string{"station_readings", "station_sync_state", "quarantined_batches", "rollup_buckets"} {
			_, _ = db.ExecContext(ctx, "DELETE FROM "+table+" WHERE station_id = $1", stationID)
		}
		_, _ = db.ExecContext(ctx, "DELETE FROM stations WHERE id = $1", stationID)
	})
}

func TestWriterPostgres_30dInsertIsIdempotent(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	stationID := "station-perf-" + uuid.NewString()
	cleanup(t, db, stationID)

	repo := telemetrypostgres.NewReadingRepository(db)
	writer, err := telemetryapp.NewWriter(repo, quietLogger(), telemetryapp.WithQuarantine(telemetrypostgres.NewQuarantineRepository(db)))
	require.NoError(t, err)

	start := time.Now().UTC().AddDate(0, 0, -30).Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, 30)
	var batches [][]telemetry.Reading
	for day := 0; day < 30; day++ {
		dayStart := start.AddDate(0, 0, day)
		batch := make([]telemetry.Reading, 0, 24)
		for hour := 0; hour < 24; hour++ {
			batch = append(batch, telemetry.Reading{
				StationID: stationID,
				At:        dayStart.Add(time.Duration(hour) * time.Hour),
				Metrics: map[string]telemetry.Measurement{
					"temperature": {Value: float64(hour) + 10, Unit: "C"},
					"humidity":    {Value: float64(hour) + 40, Unit: "%"},
				},
			})
		}
		batches = append(batches, batch)
	}

	insertStart := time.Now()
	for _, batch := range batches {
		result, err := writer.Commit(ctx, stationID, batch)
		require.NoError(t, err)
		assert.Len(t, result.Touched, 24)
	}
	insertElapsed := time.Since(insertStart)

	for _, batch := range batches[:3] {
		_, err := writer.Commit(ctx, stationID, batch)
		require.NoError(t, err)
	}

	queryStart := time.Now()
	readings, err := repo.ScanReadings(ctx, stationID, start, end)
	require.NoError(t, err)
	queryElapsed := time.Since(queryStart)
	assert.Len(t, readings, 30*24, "re-commit never duplicates rows")
	assert.Equal(t, 10.0, readings[0].Metrics["temperature"].Value)

	t.Logf("perf insert 30d rows=%d elapsed=%s", 30*24, insertElapsed)
	t.Logf("perf scan 30d rows=%d elapsed=%s", len(readings), queryElapsed)
}

func TestWriterPostgres_MergesMetricsAndQuarantines(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	stationID := "station-" + uuid.NewString()
	cleanup(t, db, stationID)

	repo := telemetrypostgres.NewReadingRepository(db)
	quarantine := telemetrypostgres.NewQuarantineRepository(db)
	writer, err := telemetryapp.NewWriter(repo, quietLogger(), telemetryapp.WithQuarantine(quarantine))
	require.NoError(t, err)

	at := time.Date(2024, time.May, 6, 10, 20, 0, 0, time.UTC)
	_, err = writer.Commit(ctx, stationID, []telemetry.Reading{{At: at, Metrics: map[string]telemetry.Measurement{"temperature": {Value: 1, Unit: "C"}}}})
	require.NoError(t, err)
	_, err = writer.Commit(ctx, stationID, []telemetry.Reading{{At: at, Metrics: map[string]telemetry.Measurement{"humidity": {Value: 55, Unit: "%"}}}})
	require.NoError(t, err)

	stored, err := repo.ScanReadings(ctx, stationID, at, at.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Metrics, 2)

	ingestedAt := stored[0].IngestedAt
	_, err = writer.Commit(ctx, stationID, []telemetry.Reading{{At: at, Metrics: map[string]telemetry.Measurement{"humidity": {Value: 55, Unit: "%"}}}})
	require.NoError(t, err)
	stored, err = repo.ScanReadings(ctx, stationID, at, at.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ingestedAt.Equal(stored[0].IngestedAt), "re-commit of known values leaves the row untouched")

	_, err = writer.Commit(ctx, stationID, []telemetry.Reading{
		{At: at.Add(time.Minute), Metrics: map[string]telemetry.Measurement{"temperature": {Value: 2}}},
		{At: at.Add(2 * time.Minute), Metrics: map[string]telemetry.Measurement{"temperature": {Value: math.Inf(1)}}},
	})
	require.ErrorIs(t, err, telemetry.ErrConstraintViolation)

	stored, err = repo.ScanReadings(ctx, stationID, at, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, stored, 1, "rejected batch wrote nothing")

	batches, err := quarantine.ListQuarantined(ctx, stationID, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Readings, 2)
	assert.True(t, math.IsInf(batches[0].Readings[1].Metrics["temperature"].Value, 1))
}

func TestWatermarkPostgres_CompareAndSet(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	stationID := "station-" + uuid.NewString()
	cleanup(t, db, stationID)
	store := telemetrypostgres.NewWatermarkStore(db)

	wm, err := store.Read(ctx, stationID)
	require.NoError(t, err)
	assert.Nil(t, wm)

	require.NoError(t, store.RecordAttempt(ctx, telemetry.Attempt{StationID: stationID, At: time.Now(), Status: telemetry.AttemptError, Error: "HTTP 503", RetryCount: 1}))
	wm, err = store.Read(ctx, stationID)
	require.NoError(t, err)
	assert.Nil(t, wm, "an attempt alone is not a watermark")

	t1 := time.Date(2024, time.May, 6, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Advance(ctx, telemetry.Watermark{StationID: stationID, Timestamp: t1, Token: "etag-1"}, telemetry.AdvanceOptions{}))
	require.NoError(t, store.Advance(ctx, telemetry.Watermark{StationID: stationID, Timestamp: t1}, telemetry.AdvanceOptions{}), "equal timestamp is allowed")

	err = store.Advance(ctx, telemetry.Watermark{StationID: stationID, Timestamp: t1.Add(-time.Hour)}, telemetry.AdvanceOptions{})
	require.ErrorIs(t, err, telemetry.ErrStaleWatermark)

	applied := t1.Add(-48 * time.Hour)
	require.NoError(t, store.Advance(ctx, telemetry.Watermark{StationID: stationID, Timestamp: t1.Add(-24 * time.Hour), BackfillApplied: &applied}, telemetry.AdvanceOptions{ForceRewind: true}))

	wm, err = store.Read(ctx, stationID)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, t1.Add(-24*time.Hour), wm.Timestamp)
	require.NotNil(t, wm.BackfillApplied)
	assert.True(t, applied.Equal(*wm.BackfillApplied))

	attempt, err := store.LastAttempt(ctx, stationID)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, 1, attempt.RetryCount)
}

func TestStationPostgres_RegisterAndDisable(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	stationID := "station-" + uuid.NewString()
	cleanup(t, db, stationID)
	repo := telemetrypostgres.NewStationRepository(db)

	station := telemetry.Station{
		ID:      stationID,
		Name:    "North Ridge",
		Cadence: 5 * time.Minute,
		Enabled: true,
		Sensors: []telemetry.Sensor{{LocationID: 1270, Metric: "temperature", Unit: "C"}},
	}
	require.NoError(t, repo.Register(ctx, station))
	require.NoError(t, repo.Disable(ctx, stationID))

	stored, err := repo.Get(ctx, stationID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Equal(t, 5*time.Minute, stored.Cadence)
	assert.Equal(t, station.Sensors, stored.Sensors)

	_, err = repo.Get(ctx, "missing-"+stationID)
	assert.ErrorIs(t, err, telemetry.ErrStationNotFound)
}
