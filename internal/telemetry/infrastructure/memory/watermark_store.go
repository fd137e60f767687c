package memory

import (
	"context"
	"sync"

	telemetry "stationsync/internal/telemetry/domain"
)

// WatermarkStore is an in-memory watermark store.
type WatermarkStore struct {
	mu         sync.Mutex
	watermarks map[string]telemetry.Watermark
	attempts   map[string]telemetry.Attempt
	clock      telemetry.Clock
}

// NewWatermarkStore constructs a store.
func NewWatermarkStore(clock telemetry.Clock) *WatermarkStore {
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	return &WatermarkStore{
		watermarks: make(map[string]telemetry.Watermark),
		attempts:   make(map[string]telemetry.Attempt),
		clock:      clock,
	}
}

// Read returns the watermark or nil when none exists.
func (s *WatermarkStore) Read(ctx context.Context, stationID string) (*telemetry.Watermark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.watermarks[stationID]
	if !ok {
		return nil, nil
	}
	return copyWatermark(wm), nil
}

// Advance stores wm unless it would move the watermark backwards.
func (s *WatermarkStore) Advance(ctx context.Context, wm telemetry.Watermark, opts telemetry.AdvanceOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if wm.StationID == "" {
		return telemetry.ErrEmptyStationID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.watermarks[wm.StationID]; ok && !opts.ForceRewind && wm.Timestamp.Before(current.Timestamp) {
		return telemetry.ErrStaleWatermark
	}
	wm.Timestamp = wm.Timestamp.UTC()
	wm.UpdatedAt = s.clock.Now()
	s.watermarks[wm.StationID] = *copyWatermark(wm)
	return nil
}

// RecordAttempt stores the last cycle outcome.
func (s *WatermarkStore) RecordAttempt(ctx context.Context, attempt telemetry.Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if attempt.StationID == "" {
		return telemetry.ErrEmptyStationID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.StationID] = attempt
	return nil
}

// LastAttempt returns the last recorded attempt or nil.
func (s *WatermarkStore) LastAttempt(ctx context.Context, stationID string) (*telemetry.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[stationID]
	if !ok {
		return nil, nil
	}
	return &attempt, nil
}

func copyWatermark(wm telemetry.Watermark) *telemetry.Watermark {
	out := wm
	if wm.BackfillApplied != nil {
		applied := *wm.BackfillApplied
		out.BackfillApplied = &applied
	}
	return &out
}

