package application

import (
	"context"
	"errors"
	"time"

	"stationsync/internal/analytics/domain/rollup"
	telemetry "stationsync/internal/telemetry/domain"
)

// staleCadences is how many missed cadences make a station stale.
const staleCadences = 3

// Freshness describes how current a station's data is.
type Freshness struct {
	StationID   string
	Watermark   *time.Time
	Lag         time.Duration
	Stale       bool
	LastAttempt *telemetry.Attempt
}

// Query is the read-only view over raw readings, buckets and watermarks.
type Query struct {
	readings   telemetry.ReadingRepository
	buckets    rollup.BucketRepository
	watermarks telemetry.WatermarkStore
	stations   telemetry.StationRepository
	clock      telemetry.Clock
}

// NewQuery constructs a Query.
func NewQuery(readings telemetry.ReadingRepository, buckets rollup.BucketRepository, watermarks telemetry.WatermarkStore, stations telemetry.StationRepository, clock telemetry.Clock) (*Query, error) {
	if readings == nil || buckets == nil || watermarks == nil || stations == nil {
		return nil, errors.New("query: nil dependency")
	}
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	return &Query{readings: readings, buckets: buckets, watermarks: watermarks, stations: stations, clock: clock}, nil
}

// Readings returns raw readings in [from, to).
func (q *Query) Readings(ctx context.Context, stationID string, from, to time.Time) ([]telemetry.Reading, error) {
	if stationID == "" {
		return nil, telemetry.ErrEmptyStationID
	}
	return q.readings.ScanReadings(ctx, stationID, from.UTC(), to.UTC())
}

// Buckets returns buckets whose period starts in [from, to).
func (q *Query) Buckets(ctx context.Context, stationID string, g rollup.Granularity, from, to time.Time) ([]rollup.Bucket, error) {
	if stationID == "" {
		return nil, telemetry.ErrEmptyStationID
	}
	return q.buckets.List(ctx, stationID, g, from.UTC(), to.UTC())
}

// Freshness reports the watermark lag of a station. A station is stale when it
// never advanced or lags more than a few cadences behind.
func (q *Query) Freshness(ctx context.Context, stationID string) (Freshness, error) {
	station, err := q.stations.Get(ctx, stationID)
	if err != nil {
		return Freshness{}, err
	}
	wm, err := q.watermarks.Read(ctx, stationID)
	if err != nil {
		return Freshness{}, err
	}
	attempt, err := q.watermarks.LastAttempt(ctx, stationID)
	if err != nil {
		return Freshness{}, err
	}

	out := Freshness{StationID: stationID, LastAttempt: attempt, Stale: true}
	if wm != nil {
		ts := wm.Timestamp
		out.Watermark = &ts
		out.Lag = q.clock.Now().Sub(ts)
		if out.Lag < 0 {
			out.Lag = 0
		}
		out.Stale = out.Lag > time.Duration(staleCadences)*station.Cadence
	}
	return out, nil
}
