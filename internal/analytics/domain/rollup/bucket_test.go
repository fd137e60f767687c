package rollup

import (
	"math"
	"math/rand"
	"testing"
	"time"

	telemetry "stationsync/internal/telemetry/domain"
)

const tolerance = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) <= tolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func reading(at time.Time, temp float64) telemetry.Reading {
	return telemetry.Reading{
		StationID: "st-1",
		At:        at,
		Metrics:   map[string]telemetry.Measurement{"temperature": {Value: temp, Unit: "C"}},
	}
}

func TestStats_ObserveAndStdDev(t *testing.T) {
	var s Stats
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Observe(v)
	}
	if s.Count != 8 || s.Min != 2 || s.Max != 9 || !approx(s.Mean(), 5) {
		t.Fatalf("unexpected stats %+v", s)
	}
	if !approx(s.StdDev(), math.Sqrt(32.0/7.0)) {
		t.Fatalf("unexpected sample stddev %v", s.StdDev())
	}
}

func TestStats_MergeEmpty(t *testing.T) {
	var s Stats
	s.Merge(Stats{})
	if s.Count != 0 {
		t.Fatalf("merging empty summary should not change count")
	}
	other := Stats{}
	other.Observe(-3)
	s.Merge(other)
	if s.Min != -3 || s.Max != -3 {
		t.Fatalf("merge into empty should copy min/max, got %+v", s)
	}
}

func TestStats_LargeOffsetKeepsPrecision(t *testing.T) {
	const offset = 1e9
	var direct, left, right Stats
	for i := 0; i < 100; i++ {
		v := offset + float64(i%10)*0.1
		direct.Observe(v)
		if i < 37 {
			left.Observe(v)
		} else {
			right.Observe(v)
		}
	}
	var ref Stats
	for i := 0; i < 100; i++ {
		ref.Observe(float64(i%10) * 0.1)
	}
	left.Merge(right)
	for name, got := range map[string]Stats{"direct": direct, "merged": left} {
		if math.Abs(got.StdDev()-ref.StdDev()) > 1e-4 {
			t.Fatalf("%s: stddev %v, expected %v", name, got.StdDev(), ref.StdDev())
		}
	}
}

func TestFromReadings_IgnoresOutOfPeriod(t *testing.T) {
	hour := time.Date(2024, time.June, 1, 10, 0, 0, 0, time.UTC)
	key, _ := NewKey("st-1", GranularityHour, hour)
	b := FromReadings(key, []telemetry.Reading{
		reading(hour.Add(-time.Second), 100),
		reading(hour, 1),
		reading(hour.Add(59*time.Minute), 3),
		reading(hour.Add(time.Hour), 100),
	}, hour)

	got := b.Metrics["temperature"]
	if got.Count != 2 || got.Min != 1 || got.Max != 3 || got.Unit != "C" {
		t.Fatalf("unexpected bucket %+v", got)
	}
}

// Aggregates over random readings must match a direct computation, and a day
// composed from hours must match the day computed straight from readings.
func TestAggregateCorrectness_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	day := time.Date(2024, time.February, 28, 0, 0, 0, 0, time.UTC)

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(300)
		readings := make([]telemetry.Reading, 0, n)
		var sum, min, max float64
		for i := 0; i < n; i++ {
			v := rng.NormFloat64()*15 + 20
			at := day.Add(time.Duration(rng.Int63n(int64(24 * time.Hour))))
			readings = append(readings, reading(at, v))
			if i == 0 || v < min {
				min = v
			}
			if i == 0 || v > max {
				max = v
			}
			sum += v
		}
		mean := sum / float64(n)
		var sq float64
		for _, r := range readings {
			d := r.Metrics["temperature"].Value - mean
			sq += d * d
		}
		std := 0.0
		if n > 1 {
			std = math.Sqrt(sq / float64(n-1))
		}

		dayKey, _ := NewKey("st-1", GranularityDay, day)
		direct := FromReadings(dayKey, readings, day).Metrics["temperature"]

		hours := make([]Bucket, 0, 24)
		for h := 0; h < 24; h++ {
			hourKey, _ := NewKey("st-1", GranularityHour, day.Add(time.Duration(h)*time.Hour))
			hb := FromReadings(hourKey, readings, day)
			if !hb.Empty() {
				hours = append(hours, *hb)
			}
		}
		composed := FromChildren(dayKey, hours, day).Metrics["temperature"]

		for name, got := range map[string]MetricStats{"direct": direct, "composed": composed} {
			if got.Count != int64(n) {
				t.Fatalf("round %d %s: count %d, expected %d", round, name, got.Count, n)
			}
			if got.Min != min || got.Max != max {
				t.Fatalf("round %d %s: min/max %v/%v, expected %v/%v", round, name, got.Min, got.Max, min, max)
			}
			if !approx(got.Mean(), mean) {
				t.Fatalf("round %d %s: mean %v, expected %v", round, name, got.Mean(), mean)
			}
			if math.Abs(got.StdDev()-std) > 1e-6 {
				t.Fatalf("round %d %s: stddev %v, expected %v", round, name, got.StdDev(), std)
			}
		}
	}
}

func TestDirtySet_Keys(t *testing.T) {
	t0 := time.Date(2024, time.March, 31, 23, 0, 0, 0, time.UTC) // Sunday, last day of month
	d := NewDirtySet("st-1", []time.Time{t0.Add(5 * time.Minute), t0.Add(65 * time.Minute), t0.Add(10 * time.Minute)})

	if d.Len() != 2 {
		t.Fatalf("expected 2 touched hours, got %d", d.Len())
	}
	if got := d.Keys(GranularityHour); len(got) != 2 || !got[0].PeriodStart.Equal(t0) {
		t.Fatalf("unexpected hour keys %+v", got)
	}
	if got := d.Keys(GranularityDay); len(got) != 2 {
		t.Fatalf("expected two days, got %+v", got)
	}
	if got := d.Keys(GranularityWeek); len(got) != 2 {
		t.Fatalf("expected two ISO weeks, got %+v", got)
	}
	months := d.Keys(GranularityMonth)
	if len(months) != 2 || months[1].PeriodStart.Month() != time.April {
		t.Fatalf("expected March and April, got %+v", months)
	}
}
