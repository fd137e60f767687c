package telemetry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Measurement is one metric value of a reading.
type Measurement struct {
	Value float64
	Unit  string
}

// Reading is the set of metric values a station reported at one instant.
type Reading struct {
	StationID  string
	At         time.Time
	Metrics    map[string]Measurement
	IngestedAt time.Time
}

// Validate reports the first constraint the reading breaks.
func (r Reading) Validate() error {
	if r.StationID == "" {
		return ErrEmptyStationID
	}
	if r.At.IsZero() {
		return fmt.Errorf("reading has zero timestamp")
	}
	if len(r.Metrics) == 0 {
		return fmt.Errorf("reading at %s has no metrics", r.At.UTC().Format(time.RFC3339))
	}
	for name, m := range r.Metrics {
		if name == "" {
			return fmt.Errorf("reading at %s has an empty metric name", r.At.UTC().Format(time.RFC3339))
		}
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			return fmt.Errorf("reading at %s: metric %s is not finite", r.At.UTC().Format(time.RFC3339), name)
		}
	}
	return nil
}

// Merge overlays other's metrics on r and returns the result.
// IngestedAt only moves when other changed a metric.
func (r Reading) Merge(other Reading) Reading {
	out := Reading{
		StationID:  r.StationID,
		At:         r.At,
		Metrics:    make(map[string]Measurement, len(r.Metrics)+len(other.Metrics)),
		IngestedAt: r.IngestedAt,
	}
	for k, v := range r.Metrics {
		out.Metrics[k] = v
	}
	changed := false
	for k, v := range other.Metrics {
		if prev, ok := out.Metrics[k]; !ok || !sameMeasurement(prev, v) {
			changed = true
		}
		out.Metrics[k] = v
	}
	if (changed || out.IngestedAt.IsZero()) && other.IngestedAt.After(out.IngestedAt) {
		out.IngestedAt = other.IngestedAt
	}
	return out
}

func sameMeasurement(a, b Measurement) bool {
	if a.Unit != b.Unit {
		return false
	}
	return a.Value == b.Value || (math.IsNaN(a.Value) && math.IsNaN(b.Value))
}

// Clone returns a copy that does not share the metrics map.
func (r Reading) Clone() Reading {
	return r.Merge(Reading{})
}

// Coalesce merges readings sharing a timestamp and returns them sorted ascending.
func Coalesce(readings []Reading) []Reading {
	byTS := make(map[int64]int, len(readings))
	out := make([]Reading, 0, len(readings))
	for _, r := range readings {
		r.At = r.At.UTC()
		key := r.At.UnixNano()
		if idx, ok := byTS[key]; ok {
			out[idx] = out[idx].Merge(r)
			continue
		}
		byTS[key] = len(out)
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// HourStart truncates t to its UTC hour.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// ReadingRepository is the raw series store.
type ReadingRepository interface {
	// UpsertReadings writes all readings in one transaction, merging metrics of existing rows.
	UpsertReadings(ctx context.Context, stationID string, readings []Reading) error
	// ScanReadings returns readings in [from, to) ordered by timestamp.
	ScanReadings(ctx context.Context, stationID string, from, to time.Time) ([]Reading, error)
}

// QuarantinedBatch keeps a rejected batch for operator review.
type QuarantinedBatch struct {
	ID        string
	StationID string
	Reason    string
	Readings  []Reading
	CreatedAt time.Time
}

// QuarantineRepository stores rejected batches.
type QuarantineRepository interface {
	Quarantine(ctx context.Context, batch QuarantinedBatch) error
	ListQuarantined(ctx context.Context, stationID string, limit int) ([]QuarantinedBatch, error)
}
