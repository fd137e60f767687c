package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stationsync/internal/analytics/domain/rollup"
	telemetry "stationsync/internal/telemetry/domain"
	telemetrymemory "stationsync/internal/telemetry/infrastructure/memory"
)

const waitFor = 3 * time.Second

func TestScheduler_PermanentFailureDoesNotBlockOtherStations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0)
	f.fetcher.on("broken", failWith(telemetry.Permanent("fetch broken", errors.New("HTTP 404"))))
	s := f.scheduler(t, testConfig())
	require.NoError(t, s.Register(ctx, newStation("broken", 10*time.Millisecond)))
	require.NoError(t, s.Register(ctx, newStation("healthy", 10*time.Millisecond)))

	s.Start(ctx)

	require.Eventually(t, func() bool { return f.fetcher.calls("healthy") >= 5 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, f.fetcher.calls("broken"), "broken station waits out its extended backoff")

	var broken StationStatus
	for _, st := range s.Snapshot() {
		if st.StationID == "broken" {
			broken = st
		}
	}
	assert.Equal(t, StateBackoff, broken.State)
	assert.Equal(t, 1, broken.Failures)
}

func TestScheduler_DisableWaitsForInFlightCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.fetcher.on("st-1", func(ctx context.Context, from, to time.Time) ([]telemetry.Reading, string, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
		return []telemetry.Reading{reading("st-1", from, 1)}, "", nil
	})
	s := f.scheduler(t, testConfig())
	require.NoError(t, s.Register(ctx, newStation("st-1", time.Hour)))
	s.Start(ctx)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("cycle did not start")
	}

	disabled := make(chan error, 1)
	go func() { disabled <- s.Disable(ctx, "st-1") }()

	select {
	case err := <-disabled:
		t.Fatalf("disable returned before the cycle finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-disabled:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("disable did not return")
	}

	wm, err := f.watermarks.Read(ctx, "st-1")
	require.NoError(t, err)
	require.NotNil(t, wm, "in-flight cycle completed and advanced")
	assert.Equal(t, 1, f.readings.Count("st-1"))

	status := s.Snapshot()
	require.Len(t, status, 1)
	assert.Equal(t, StateStopped, status[0].State)
	assert.False(t, status[0].Enabled)
	assert.ErrorIs(t, s.Trigger("st-1"), ErrStationDisabled)
	assert.Equal(t, 1, f.fetcher.calls("st-1"))
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0)
	cfg := testConfig()
	cfg.PoolSize = 2

	var (
		mu         sync.Mutex
		global     int
		maxGlobal  int
		perStation = map[string]int{}
		maxStation int
		total      int
	)
	track := func(id string) pullFunc {
		return func(ctx context.Context, from, to time.Time) ([]telemetry.Reading, string, error) {
			mu.Lock()
			global++
			perStation[id]++
			total++
			if global > maxGlobal {
				maxGlobal = global
			}
			if perStation[id] > maxStation {
				maxStation = perStation[id]
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			global--
			perStation[id]--
			mu.Unlock()
			return nil, "", telemetry.ErrNoData
		}
	}

	s := f.scheduler(t, cfg)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("st-%d", i)
		f.fetcher.on(id, track(id))
		require.NoError(t, s.Register(ctx, newStation(id, time.Millisecond)))
	}
	s.Start(ctx)

	for i := 0; i < 20; i++ {
		_ = s.Trigger("st-0")
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total >= 40
	}, waitFor, 5*time.Millisecond)

	s.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxGlobal, 2)
	assert.Equal(t, 1, maxStation, "cycles of one station never overlap")
}

func TestScheduler_BackfillRequestCorrectsOldBuckets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0)
	require.NoError(t, f.watermarks.Advance(ctx, telemetry.Watermark{StationID: "st-1", Timestamp: t0.Add(-time.Hour)}, telemetry.AdvanceOptions{}))
	late := t0.Add(-20 * time.Hour)
	f.fetcher.on("st-1", serve(reading("st-1", t0.Add(-30*time.Minute), 10), reading("st-1", late, 4)))

	s := f.scheduler(t, testConfig())
	require.NoError(t, s.Register(ctx, newStation("st-1", time.Hour)))
	s.Start(ctx)

	out, err := s.RunOnce(ctx, "st-1")
	require.NoError(t, err)
	require.NoError(t, out.Err)

	lateHour, err := rollup.NewKey("st-1", rollup.GranularityHour, late)
	require.NoError(t, err)
	lateDay, err := rollup.NewKey("st-1", rollup.GranularityDay, late)
	require.NoError(t, err)
	_, err = f.buckets.Get(ctx, lateHour)
	require.ErrorIs(t, err, rollup.ErrBucketNotFound, "late reading is outside the normal window")

	require.NoError(t, s.Backfill("st-1", late.Add(-time.Hour)))
	require.Eventually(t, func() bool {
		b, err := f.buckets.Get(ctx, lateDay)
		return err == nil && b != nil
	}, waitFor, 5*time.Millisecond)

	day, err := f.buckets.Get(ctx, lateDay)
	require.NoError(t, err)
	assert.Equal(t, int64(1), day.Metrics["temperature"].Stats.Count)

	require.Eventually(t, func() bool {
		wm, err := f.watermarks.Read(ctx, "st-1")
		return err == nil && wm != nil && wm.Timestamp.Equal(t0)
	}, waitFor, 5*time.Millisecond)
}

func TestScheduler_SyncDisablesMissingStations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0)
	stations := telemetrymemory.NewStationRepository(f.clock)
	s := f.scheduler(t, testConfig(), WithStationRepository(stations))

	a, b := newStation("a", time.Hour), newStation("b", time.Hour)
	require.NoError(t, s.Sync(ctx, []telemetry.Station{a, b}))
	s.Start(ctx)
	require.Eventually(t, func() bool { return f.fetcher.calls("b") >= 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, s.Sync(ctx, []telemetry.Station{a}))
	status := s.Snapshot()
	require.Len(t, status, 2)
	assert.True(t, status[0].Enabled)
	assert.False(t, status[1].Enabled)
	assert.Equal(t, StateStopped, status[1].State)

	stored, err := stations.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, stored.Enabled, "soft-disabled, not deleted")

	calls := f.fetcher.calls("b")
	require.NoError(t, s.Sync(ctx, []telemetry.Station{a, b}))
	require.Eventually(t, func() bool { return f.fetcher.calls("b") > calls }, waitFor, 5*time.Millisecond)
	assert.True(t, s.Snapshot()[1].Enabled)
}

func TestScheduler_SyncDisablesStoredStationsMissingFromList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, t0)
	stations := telemetrymemory.NewStationRepository(f.clock)
	require.NoError(t, stations.Register(ctx, newStation("old", time.Hour)))
	s := f.scheduler(t, testConfig(), WithStationRepository(stations))

	require.NoError(t, s.Sync(ctx, []telemetry.Station{newStation("a", time.Hour)}))

	stored, err := stations.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	require.Len(t, s.Snapshot(), 1, "stored stations are not scheduled")
}

func TestScheduler_UnknownStation(t *testing.T) {
	f := newFixture(t, t0)
	s := f.scheduler(t, testConfig())
	assert.ErrorIs(t, s.Trigger("missing"), ErrUnknownStation)
	_, err := s.RunOnce(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownStation)
}

func TestNew_ValidatesConfig(t *testing.T) {
	f := newFixture(t, t0)
	cfg := testConfig()
	cfg.MaxWindow = cfg.Overlap
	_, err := New(cfg, f.fetcher, f.writer, f.maintainer, f.watermarks, quietLogger())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.PoolSize = 0
	_, err = New(cfg, f.fetcher, f.writer, f.maintainer, f.watermarks, quietLogger())
	assert.Error(t, err)

	_, err = New(testConfig(), nil, f.writer, f.maintainer, f.watermarks, quietLogger())
	assert.Error(t, err)
}
