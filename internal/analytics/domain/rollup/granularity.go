package rollup

import (
	"fmt"
	"time"
)

// Granularity is the time resolution of a bucket.
type Granularity string

const (
	GranularityHour  Granularity = "HOUR"
	GranularityDay   Granularity = "DAY"
	GranularityWeek  Granularity = "WEEK"
	GranularityMonth Granularity = "MONTH"
)

// Levels lists granularities in repair order.
var Levels = []Granularity{GranularityHour, GranularityDay, GranularityWeek, GranularityMonth}

// IsValid reports whether granularity is supported.
func (g Granularity) IsValid() bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityWeek, GranularityMonth:
		return true
	default:
		return false
	}
}

// Child returns the granularity a bucket is composed from.
// Hour buckets are composed from raw readings and report false.
// Weeks do not nest in months, so both compose from days.
func (g Granularity) Child() (Granularity, bool) {
	switch g {
	case GranularityDay:
		return GranularityHour, true
	case GranularityWeek, GranularityMonth:
		return GranularityDay, true
	default:
		return "", false
	}
}

// ParseGranularity accepts upper or lower case names.
func ParseGranularity(raw string) (Granularity, error) {
	switch raw {
	case "HOUR", "hour", "hourly":
		return GranularityHour, nil
	case "DAY", "day", "daily":
		return GranularityDay, nil
	case "WEEK", "week", "weekly":
		return GranularityWeek, nil
	case "MONTH", "month", "monthly":
		return GranularityMonth, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGranularity, raw)
	}
}

// PeriodStart truncates t to the UTC start of its period.
func PeriodStart(g Granularity, t time.Time) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, ErrInvalidPeriodStart
	}
	t = t.UTC()
	switch g {
	case GranularityHour:
		return t.Truncate(time.Hour), nil
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset), nil
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, ErrInvalidGranularity
	}
}

// PeriodEnd returns the exclusive end of the period starting at start.
func PeriodEnd(g Granularity, start time.Time) (time.Time, error) {
	switch g {
	case GranularityHour:
		return start.Add(time.Hour), nil
	case GranularityDay:
		return start.AddDate(0, 0, 1), nil
	case GranularityWeek:
		return start.AddDate(0, 0, 7), nil
	case GranularityMonth:
		return start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, ErrInvalidGranularity
	}
}

// IsAligned reports whether t is the start of a g period.
func IsAligned(g Granularity, t time.Time) bool {
	start, err := PeriodStart(g, t)
	return err == nil && start.Equal(t)
}
