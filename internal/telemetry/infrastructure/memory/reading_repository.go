package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	telemetry "stationsync/internal/telemetry/domain"
)

// ReadingRepository is an in-memory raw series store for tests and local runs.
type ReadingRepository struct {
	mu   sync.RWMutex
	data map[string]map[int64]telemetry.Reading
}

// NewReadingRepository constructs a repository.
func NewReadingRepository() *ReadingRepository {
	return &ReadingRepository{data: make(map[string]map[int64]telemetry.Reading)}
}

// UpsertReadings merges readings into the station series. The whole batch is applied under one lock.
func (r *ReadingRepository) UpsertReadings(ctx context.Context, stationID string, readings []telemetry.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stationID == "" {
		return telemetry.ErrEmptyStationID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	series := r.data[stationID]
	if series == nil {
		series = make(map[int64]telemetry.Reading, len(readings))
		r.data[stationID] = series
	}
	for _, reading := range readings {
		at := reading.At.UTC()
		reading.At = at
		reading.StationID = stationID
		key := at.UnixNano()
		if existing, ok := series[key]; ok {
			series[key] = existing.Merge(reading)
			continue
		}
		series[key] = reading.Clone()
	}
	return nil
}

// ScanReadings returns readings in [from, to) ordered by timestamp.
func (r *ReadingRepository) ScanReadings(ctx context.Context, stationID string, from, to time.Time) ([]telemetry.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	series := r.data[stationID]
	result := make([]telemetry.Reading, 0, len(series))
	for _, reading := range series {
		if reading.At.Before(from) || !reading.At.Before(to) {
			continue
		}
		result = append(result, reading.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].At.Before(result[j].At) })
	return result, nil
}

// Count returns the number of stored rows for a station.
func (r *ReadingRepository) Count(stationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data[stationID])
}
