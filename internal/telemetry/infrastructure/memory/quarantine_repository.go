package memory

import (
	"context"
	"sync"

	telemetry "stationsync/internal/telemetry/domain"
)

// QuarantineRepository keeps rejected batches in memory.
type QuarantineRepository struct {
	mu      sync.Mutex
	batches []telemetry.QuarantinedBatch
}

// NewQuarantineRepository constructs a repository.
func NewQuarantineRepository() *QuarantineRepository {
	return &QuarantineRepository{}
}

// Quarantine stores a rejected batch.
func (r *QuarantineRepository) Quarantine(ctx context.Context, batch telemetry.QuarantinedBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	batch.Readings = append([]telemetry.Reading(nil), batch.Readings...)
	r.batches = append(r.batches, batch)
	return nil
}

// ListQuarantined returns the most recent batches of a station, newest first.
func (r *QuarantineRepository) ListQuarantined(ctx context.Context, stationID string, limit int) ([]telemetry.QuarantinedBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]telemetry.QuarantinedBatch, 0)
	for i := len(r.batches) - 1; i >= 0; i-- {
		if stationID != "" && r.batches[i].StationID != stationID {
			continue
		}
		result = append(result, r.batches[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
