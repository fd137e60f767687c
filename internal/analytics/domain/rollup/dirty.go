package rollup

import (
	"sort"
	"time"
)

// DirtySet tracks the periods of one station touched by a cycle.
type DirtySet struct {
	stationID string
	hours     map[int64]time.Time
}

// NewDirtySet builds a dirty set from touched hour starts.
func NewDirtySet(stationID string, touched []time.Time) *DirtySet {
	d := &DirtySet{stationID: stationID, hours: make(map[int64]time.Time, len(touched))}
	for _, t := range touched {
		d.Add(t)
	}
	return d
}

// Add marks the hour containing t.
func (d *DirtySet) Add(t time.Time) {
	if t.IsZero() {
		return
	}
	h := t.UTC().Truncate(time.Hour)
	d.hours[h.Unix()] = h
}

// StationID returns the owning station.
func (d *DirtySet) StationID() string { return d.stationID }

// Len returns the number of touched hours.
func (d *DirtySet) Len() int { return len(d.hours) }

// Keys returns the distinct bucket keys of granularity g affected by the touched hours, ordered by period start.
func (d *DirtySet) Keys(g Granularity) []Key {
	seen := make(map[int64]struct{})
	keys := make([]Key, 0, len(d.hours))
	for _, h := range d.hours {
		start, err := PeriodStart(g, h)
		if err != nil {
			return nil
		}
		if _, ok := seen[start.Unix()]; ok {
			continue
		}
		seen[start.Unix()] = struct{}{}
		keys = append(keys, Key{StationID: d.stationID, Granularity: g, PeriodStart: start})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].PeriodStart.Before(keys[j].PeriodStart) })
	return keys
}
