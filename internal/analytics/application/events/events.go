package events

import (
	"time"

	"stationsync/internal/analytics/domain/rollup"
)

// BucketsRepaired is emitted once a cycle rebuilt every affected bucket of a station.
type BucketsRepaired struct {
	StationID  string
	Rebuilt    map[rollup.Granularity]int
	Deleted    map[rollup.Granularity]int
	From       time.Time
	To         time.Time
	OccurredAt time.Time
}

// StationCycleFailed is emitted when a station cycle ends in backoff.
type StationCycleFailed struct {
	StationID  string
	CycleID    string
	Attempt    int
	Permanent  bool
	Err        string
	RetryAt    time.Time
	OccurredAt time.Time
}
