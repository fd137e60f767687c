package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	analytics "stationsync/internal/analytics/application"
	analyticsmemory "stationsync/internal/analytics/infrastructure/memory"
	telemetryapp "stationsync/internal/telemetry/application"
	telemetry "stationsync/internal/telemetry/domain"
	telemetrymemory "stationsync/internal/telemetry/infrastructure/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type span struct{ from, to time.Time }

type pullFunc func(ctx context.Context, from, to time.Time) ([]telemetry.Reading, string, error)

// fakeFetcher serves scripted pulls per station and records requested windows.
type fakeFetcher struct {
	mu      sync.Mutex
	pulls   map[string]pullFunc
	windows map[string][]span
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pulls: make(map[string]pullFunc), windows: make(map[string][]span)}
}

func (f *fakeFetcher) on(stationID string, fn pullFunc) {
	f.mu.Lock()
	f.pulls[stationID] = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) Pull(ctx context.Context, station telemetry.Station, from, to time.Time) ([]telemetry.Reading, string, error) {
	f.mu.Lock()
	f.windows[station.ID] = append(f.windows[station.ID], span{from: from, to: to})
	fn := f.pulls[station.ID]
	f.mu.Unlock()
	if fn == nil {
		return nil, "", telemetry.ErrNoData
	}
	return fn(ctx, from, to)
}

func (f *fakeFetcher) windowsOf(stationID string) []span {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]span(nil), f.windows[stationID]...)
}

func (f *fakeFetcher) calls(stationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows[stationID])
}

type fixture struct {
	clock      *manualClock
	fetcher    *fakeFetcher
	readings   *telemetrymemory.ReadingRepository
	watermarks *telemetrymemory.WatermarkStore
	quarantine *telemetrymemory.QuarantineRepository
	buckets    *analyticsmemory.BucketRepository
	writer     *telemetryapp.Writer
	maintainer *analytics.Maintainer
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() Config {
	return Config{
		PoolSize:       4,
		CycleTimeout:   5 * time.Second,
		Overlap:        10 * time.Minute,
		MaxHistory:     48 * time.Hour,
		MaxWindow:      24 * time.Hour,
		ResyncLookback: 12 * time.Hour,
		Backoff: BackoffPolicy{
			Initial:    time.Minute,
			Max:        10 * time.Minute,
			Multiplier: 2,
			Permanent:  6 * time.Hour,
			Rand:       func() float64 { return 0.5 },
		},
	}
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		clock:      &manualClock{now: now},
		fetcher:    newFakeFetcher(),
		readings:   telemetrymemory.NewReadingRepository(),
		quarantine: telemetrymemory.NewQuarantineRepository(),
		buckets:    analyticsmemory.NewBucketRepository(),
	}
	f.watermarks = telemetrymemory.NewWatermarkStore(f.clock)
	var err error
	f.writer, err = telemetryapp.NewWriter(f.readings, quietLogger(), telemetryapp.WithQuarantine(f.quarantine), telemetryapp.WithClock(f.clock))
	require.NoError(t, err)
	f.maintainer, err = analytics.NewMaintainer(f.readings, f.buckets, quietLogger(), analytics.WithClock(f.clock))
	require.NoError(t, err)
	return f
}

func (f *fixture) scheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	return f.schedulerWith(t, cfg, f.maintainer, opts...)
}

func (f *fixture) schedulerWith(t *testing.T, cfg Config, repairer Repairer, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithClock(f.clock)}, opts...)
	s, err := New(cfg, f.fetcher, f.writer, repairer, f.watermarks, quietLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func newStation(id string, cadence time.Duration) telemetry.Station {
	return telemetry.Station{
		ID:      id,
		Cadence: cadence,
		Enabled: true,
		Sensors: []telemetry.Sensor{{LocationID: 1, Metric: "temperature", Unit: "C"}},
	}
}

func reading(stationID string, at time.Time, v float64) telemetry.Reading {
	return telemetry.Reading{
		StationID: stationID,
		At:        at,
		Metrics:   map[string]telemetry.Measurement{"temperature": {Value: v, Unit: "C"}},
	}
}

func serve(readings ...telemetry.Reading) pullFunc {
	return func(_ context.Context, from, to time.Time) ([]telemetry.Reading, string, error) {
		var out []telemetry.Reading
		for _, r := range readings {
			if !r.At.Before(from) && r.At.Before(to) {
				out = append(out, r)
			}
		}
		if len(out) == 0 {
			return nil, "", telemetry.ErrNoData
		}
		return out, "etag-1", nil
	}
}

func failWith(err error) pullFunc {
	return func(context.Context, time.Time, time.Time) ([]telemetry.Reading, string, error) {
		return nil, "", err
	}
}
