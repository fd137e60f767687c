package memory

import (
	"context"
	"sort"
	"sync"

	telemetry "stationsync/internal/telemetry/domain"
)

// StationRepository is an in-memory station registry.
type StationRepository struct {
	mu       sync.RWMutex
	stations map[string]telemetry.Station
	clock    telemetry.Clock
}

// NewStationRepository constructs a registry.
func NewStationRepository(clock telemetry.Clock) *StationRepository {
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	return &StationRepository{stations: make(map[string]telemetry.Station), clock: clock}
}

// Register creates or updates a station. Identity and creation time are kept.
func (r *StationRepository) Register(ctx context.Context, station telemetry.Station) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := station.Validate(); err != nil {
		return err
	}
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.stations[station.ID]; ok {
		station.CreatedAt = existing.CreatedAt
	} else {
		station.CreatedAt = now
	}
	station.UpdatedAt = now
	station.Sensors = append([]telemetry.Sensor(nil), station.Sensors...)
	r.stations[station.ID] = station
	return nil
}

// Get returns a station or ErrStationNotFound.
func (r *StationRepository) Get(ctx context.Context, stationID string) (*telemetry.Station, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	station, ok := r.stations[stationID]
	if !ok {
		return nil, telemetry.ErrStationNotFound
	}
	return &station, nil
}

// List returns all stations ordered by id.
func (r *StationRepository) List(ctx context.Context) ([]telemetry.Station, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]telemetry.Station, 0, len(r.stations))
	for _, station := range r.stations {
		result = append(result, station)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Disable marks a station disabled.
func (r *StationRepository) Disable(ctx context.Context, stationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	station, ok := r.stations[stationID]
	if !ok {
		return telemetry.ErrStationNotFound
	}
	station.Enabled = false
	station.UpdatedAt = r.clock.Now()
	r.stations[stationID] = station
	return nil
}
