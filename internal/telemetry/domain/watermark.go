package telemetry

import (
	"context"
	"time"
)

// Watermark is the durable fetch cursor of a station.
type Watermark struct {
	StationID string
	Timestamp time.Time
	// Token is the vendor dedup token of the last successful fetch.
	Token string
	// BackfillApplied is the backfill_from value that was last applied.
	BackfillApplied *time.Time
	UpdatedAt       time.Time
}

// AdvanceOptions controls watermark writes.
type AdvanceOptions struct {
	// ForceRewind allows the watermark to move backwards.
	ForceRewind bool
}

// AttemptStatus is the outcome of a cycle.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "success"
	AttemptError   AttemptStatus = "error"
)

// Attempt records the last cycle outcome of a station.
type Attempt struct {
	StationID  string
	At         time.Time
	Status     AttemptStatus
	Error      string
	RetryCount int
}

// WatermarkStore persists per-station fetch cursors.
type WatermarkStore interface {
	// Read returns nil when the station has never completed a cycle.
	Read(ctx context.Context, stationID string) (*Watermark, error)
	// Advance is a compare-and-set: it fails with ErrStaleWatermark when wm is
	// older than the stored value, unless opts.ForceRewind is set.
	Advance(ctx context.Context, wm Watermark, opts AdvanceOptions) error
	RecordAttempt(ctx context.Context, attempt Attempt) error
	LastAttempt(ctx context.Context, stationID string) (*Attempt, error)
}

// Clock provides time for services.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the current UTC time.
type SystemClock struct{}

// Now returns current time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
