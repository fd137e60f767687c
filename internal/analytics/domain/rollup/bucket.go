package rollup

import (
	"context"
	"sort"
	"time"

	telemetry "stationsync/internal/telemetry/domain"
)

// Key identifies a bucket.
type Key struct {
	StationID   string
	Granularity Granularity
	PeriodStart time.Time
}

// NewKey validates and normalizes a bucket key.
func NewKey(stationID string, g Granularity, t time.Time) (Key, error) {
	if stationID == "" {
		return Key{}, ErrEmptyStationID
	}
	start, err := PeriodStart(g, t)
	if err != nil {
		return Key{}, err
	}
	return Key{StationID: stationID, Granularity: g, PeriodStart: start}, nil
}

// ID returns the stable identity "station|GRANULARITY|timekey".
func (k Key) ID() string {
	tk, err := NewTimeKey(k.Granularity, k.PeriodStart)
	if err != nil {
		return ""
	}
	return k.StationID + "|" + string(k.Granularity) + "|" + tk.String()
}

// End returns the exclusive period end.
func (k Key) End() time.Time {
	end, _ := PeriodEnd(k.Granularity, k.PeriodStart)
	return end
}

// MetricStats is the summary of one metric in a bucket.
type MetricStats struct {
	Unit string
	Stats
}

// Bucket is the pre-computed summary of one station, granularity and period.
type Bucket struct {
	Key        Key
	Metrics    map[string]MetricStats
	ComputedAt time.Time
}

// Empty reports whether no value contributed to the bucket.
func (b *Bucket) Empty() bool {
	if b == nil {
		return true
	}
	for _, m := range b.Metrics {
		if m.Count > 0 {
			return false
		}
	}
	return true
}

// MetricNames returns metric names in sorted order.
func (b *Bucket) MetricNames() []string {
	names := make([]string, 0, len(b.Metrics))
	for name := range b.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromReadings summarizes the readings that fall inside key's period.
func FromReadings(key Key, readings []telemetry.Reading, computedAt time.Time) *Bucket {
	end := key.End()
	b := &Bucket{Key: key, Metrics: make(map[string]MetricStats), ComputedAt: computedAt}
	for _, r := range readings {
		at := r.At.UTC()
		if at.Before(key.PeriodStart) || !at.Before(end) {
			continue
		}
		for name, m := range r.Metrics {
			ms := b.Metrics[name]
			if ms.Unit == "" {
				ms.Unit = m.Unit
			}
			ms.Observe(m.Value)
			b.Metrics[name] = ms
		}
	}
	return b
}

// FromChildren merges child buckets that fall inside key's period.
func FromChildren(key Key, children []Bucket, computedAt time.Time) *Bucket {
	end := key.End()
	b := &Bucket{Key: key, Metrics: make(map[string]MetricStats), ComputedAt: computedAt}
	for _, child := range children {
		if child.Key.PeriodStart.Before(key.PeriodStart) || !child.Key.PeriodStart.Before(end) {
			continue
		}
		for name, cm := range child.Metrics {
			ms := b.Metrics[name]
			if ms.Unit == "" {
				ms.Unit = cm.Unit
			}
			ms.Merge(cm.Stats)
			b.Metrics[name] = ms
		}
	}
	return b
}

// RebuildFunc computes the replacement for a bucket. A nil or empty result deletes the bucket.
type RebuildFunc func(ctx context.Context) (*Bucket, error)

// BucketRepository is the bucket store.
type BucketRepository interface {
	// Rebuild runs fn inside the exclusive section of key and replaces the stored bucket wholesale.
	Rebuild(ctx context.Context, key Key, fn RebuildFunc) error
	Get(ctx context.Context, key Key) (*Bucket, error)
	// List returns buckets with period start in [from, to), ordered by period start.
	List(ctx context.Context, stationID string, g Granularity, from, to time.Time) ([]Bucket, error)
}
