package rollup

import (
	"testing"
	"time"
)

func TestPeriodStart(t *testing.T) {
	at := time.Date(2024, time.March, 6, 13, 47, 12, 0, time.UTC) // Wednesday
	cases := []struct {
		g    Granularity
		want time.Time
	}{
		{GranularityHour, time.Date(2024, time.March, 6, 13, 0, 0, 0, time.UTC)},
		{GranularityDay, time.Date(2024, time.March, 6, 0, 0, 0, 0, time.UTC)},
		{GranularityWeek, time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)},
		{GranularityMonth, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := PeriodStart(tc.g, at)
		if err != nil {
			t.Fatalf("%s: %v", tc.g, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%s: expected %s, got %s", tc.g, tc.want, got)
		}
	}
}

func TestPeriodStart_WeekOnSundayAndMonday(t *testing.T) {
	sunday := time.Date(2024, time.March, 10, 23, 59, 0, 0, time.UTC)
	monday := time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC)

	got, _ := PeriodStart(GranularityWeek, sunday)
	if !got.Equal(time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("sunday belongs to previous week, got %s", got)
	}
	got, _ = PeriodStart(GranularityWeek, monday)
	if !got.Equal(monday) {
		t.Fatalf("monday starts a week, got %s", got)
	}
}

func TestPeriodStart_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	at := time.Date(2024, time.January, 1, 1, 30, 0, 0, loc)
	got, err := PeriodStart(GranularityDay, at)
	if err != nil {
		t.Fatalf("period start: %v", err)
	}
	if !got.Equal(time.Date(2023, time.December, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected previous UTC day, got %s", got)
	}
}

func TestPeriodEnd(t *testing.T) {
	feb := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	end, err := PeriodEnd(GranularityMonth, feb)
	if err != nil {
		t.Fatalf("period end: %v", err)
	}
	if !end.Equal(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected month end %s", end)
	}
	if _, err := PeriodEnd(Granularity("YEAR"), feb); err != ErrInvalidGranularity {
		t.Fatalf("expected ErrInvalidGranularity, got %v", err)
	}
}

func TestNewTimeKey(t *testing.T) {
	at := time.Date(2021, time.January, 3, 5, 0, 0, 0, time.UTC)
	cases := map[Granularity]string{
		GranularityHour:  "20210103T05",
		GranularityDay:   "20210103",
		GranularityWeek:  "2020-W53",
		GranularityMonth: "202101",
	}
	for g, want := range cases {
		key, err := NewTimeKey(g, at)
		if err != nil {
			t.Fatalf("%s: %v", g, err)
		}
		if key.String() != want {
			t.Fatalf("%s: expected %s, got %s", g, want, key)
		}
	}
}

func TestKeyID(t *testing.T) {
	key, err := NewKey("st-1", GranularityDay, time.Date(2024, time.May, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if key.ID() != "st-1|DAY|20240502" {
		t.Fatalf("unexpected id %s", key.ID())
	}
	if _, err := NewKey("", GranularityDay, time.Now()); err != ErrEmptyStationID {
		t.Fatalf("expected ErrEmptyStationID, got %v", err)
	}
}

func TestGranularityChild(t *testing.T) {
	if _, ok := GranularityHour.Child(); ok {
		t.Fatalf("hour has no child granularity")
	}
	for g, want := range map[Granularity]Granularity{
		GranularityDay:   GranularityHour,
		GranularityWeek:  GranularityDay,
		GranularityMonth: GranularityDay,
	} {
		got, ok := g.Child()
		if !ok || got != want {
			t.Fatalf("%s: expected child %s, got %s", g, want, got)
		}
	}
}
