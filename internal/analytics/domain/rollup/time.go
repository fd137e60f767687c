package rollup

import (
	"fmt"
	"time"
)

// TimeKey is the persisted representation of a period boundary.
type TimeKey string

// NewTimeKey builds a TimeKey for the given granularity and period start.
func NewTimeKey(g Granularity, periodStart time.Time) (TimeKey, error) {
	if !g.IsValid() {
		return "", ErrInvalidGranularity
	}
	if periodStart.IsZero() {
		return "", ErrInvalidPeriodStart
	}
	periodStart = periodStart.UTC()
	switch g {
	case GranularityHour:
		return TimeKey(periodStart.Format("20060102T15")), nil
	case GranularityDay:
		return TimeKey(periodStart.Format("20060102")), nil
	case GranularityWeek:
		year, week := periodStart.ISOWeek()
		return TimeKey(fmt.Sprintf("%04d-W%02d", year, week)), nil
	default:
		return TimeKey(periodStart.Format("200601")), nil
	}
}

// String returns the raw string for storage.
func (k TimeKey) String() string { return string(k) }
