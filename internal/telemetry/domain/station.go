package telemetry

import (
	"context"
	"errors"
	"time"
)

// Sensor maps one vendor location to a metric of a station.
type Sensor struct {
	LocationID int
	Metric     string
	Unit       string
}

// Station is a physical site that emits readings.
type Station struct {
	ID           string
	Name         string
	Sensors      []Sensor
	Cadence      time.Duration
	Enabled      bool
	BackfillFrom *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks station identity and cadence.
func (s Station) Validate() error {
	if s.ID == "" {
		return ErrEmptyStationID
	}
	if s.Cadence <= 0 {
		return errors.New("telemetry: station cadence must be positive")
	}
	seen := make(map[int]struct{}, len(s.Sensors))
	for _, sensor := range s.Sensors {
		if sensor.Metric == "" {
			return errors.New("telemetry: sensor metric is empty")
		}
		if _, ok := seen[sensor.LocationID]; ok {
			return errors.New("telemetry: duplicate sensor location")
		}
		seen[sensor.LocationID] = struct{}{}
	}
	return nil
}

// StationRepository persists station registrations.
// Stations are never hard-deleted; removal from configuration disables them.
type StationRepository interface {
	Register(ctx context.Context, station Station) error
	Get(ctx context.Context, stationID string) (*Station, error)
	List(ctx context.Context) ([]Station, error)
	Disable(ctx context.Context, stationID string) error
}
