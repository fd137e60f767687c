package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stationsync/internal/analytics/application/eventbus"
	"stationsync/internal/analytics/application/events"
	"stationsync/internal/analytics/domain/rollup"
	"stationsync/internal/observability/metrics"
	telemetry "stationsync/internal/telemetry/domain"
)

const defaultConcurrency = 4

// RepairResult counts rebuilt and deleted buckets per granularity.
type RepairResult struct {
	Rebuilt map[rollup.Granularity]int
	Deleted map[rollup.Granularity]int
}

// Total returns the number of buckets written or removed.
func (r RepairResult) Total() int {
	total := 0
	for _, n := range r.Rebuilt {
		total += n
	}
	for _, n := range r.Deleted {
		total += n
	}
	return total
}

// Maintainer keeps rollup buckets consistent with the raw series.
type Maintainer struct {
	readings    telemetry.ReadingRepository
	buckets     rollup.BucketRepository
	bus         eventbus.EventBus
	clock       telemetry.Clock
	logger      logrus.FieldLogger
	concurrency int
}

// MaintainerOption configures the maintainer.
type MaintainerOption func(*Maintainer)

// WithEventBus publishes BucketsRepaired after each successful repair.
func WithEventBus(bus eventbus.EventBus) MaintainerOption {
	return func(m *Maintainer) { m.bus = bus }
}

// WithClock overrides the computation clock.
func WithClock(clock telemetry.Clock) MaintainerOption {
	return func(m *Maintainer) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithConcurrency bounds concurrent bucket rebuilds within one level.
func WithConcurrency(n int) MaintainerOption {
	return func(m *Maintainer) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// NewMaintainer constructs a Maintainer.
func NewMaintainer(readings telemetry.ReadingRepository, buckets rollup.BucketRepository, logger logrus.FieldLogger, opts ...MaintainerOption) (*Maintainer, error) {
	if readings == nil {
		return nil, errors.New("maintainer: nil reading repository")
	}
	if buckets == nil {
		return nil, errors.New("maintainer: nil bucket repository")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Maintainer{
		readings:    readings,
		buckets:     buckets,
		clock:       telemetry.SystemClock{},
		logger:      logger,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Repair recomputes every bucket affected by the touched hours.
// Levels run strictly in order hour, day, week, month and a level starts only
// after all buckets of the previous one were rebuilt. Each bucket is fully
// recomputed from its constituents, so repairing twice is harmless.
func (m *Maintainer) Repair(ctx context.Context, stationID string, touched []time.Time) (RepairResult, error) {
	result := RepairResult{
		Rebuilt: make(map[rollup.Granularity]int),
		Deleted: make(map[rollup.Granularity]int),
	}
	if stationID == "" {
		return result, telemetry.ErrEmptyStationID
	}
	dirty := rollup.NewDirtySet(stationID, touched)
	if dirty.Len() == 0 {
		return result, nil
	}

	start := time.Now()
	for _, level := range rollup.Levels {
		if err := m.repairLevel(ctx, dirty.Keys(level), &result); err != nil {
			metrics.ObserveRepair(metrics.ResultError, time.Since(start))
			return result, fmt.Errorf("repair %s buckets: %w", level, err)
		}
		metrics.AddBucketsRebuilt(string(level), result.Rebuilt[level]+result.Deleted[level])
	}
	metrics.ObserveRepair(metrics.ResultSuccess, time.Since(start))

	hours := dirty.Keys(rollup.GranularityHour)
	m.logger.WithFields(logrus.Fields{
		"station": stationID,
		"hours":   len(hours),
		"buckets": result.Total(),
	}).Debug("rollups repaired")

	if m.bus != nil {
		evt := events.BucketsRepaired{
			StationID:  stationID,
			Rebuilt:    result.Rebuilt,
			Deleted:    result.Deleted,
			From:       hours[0].PeriodStart,
			To:         hours[len(hours)-1].End(),
			OccurredAt: m.clock.Now(),
		}
		if err := m.bus.Publish(ctx, evt); err != nil {
			m.logger.WithField("station", stationID).WithError(err).Warn("buckets repaired handler failed")
		}
	}
	return result, nil
}

func (m *Maintainer) repairLevel(ctx context.Context, keys []rollup.Key, result *RepairResult) error {
	if len(keys) == 0 {
		return nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			deleted, err := m.rebuild(gctx, key)
			if err != nil {
				return fmt.Errorf("%s: %w", key.ID(), err)
			}
			mu.Lock()
			if deleted {
				result.Deleted[key.Granularity]++
			} else {
				result.Rebuilt[key.Granularity]++
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (m *Maintainer) rebuild(ctx context.Context, key rollup.Key) (bool, error) {
	var empty bool
	err := m.buckets.Rebuild(ctx, key, func(ctx context.Context) (*rollup.Bucket, error) {
		bucket, err := m.compute(ctx, key)
		if err != nil {
			return nil, err
		}
		empty = bucket.Empty()
		return bucket, nil
	})
	return empty, err
}

func (m *Maintainer) compute(ctx context.Context, key rollup.Key) (*rollup.Bucket, error) {
	now := m.clock.Now()
	child, ok := key.Granularity.Child()
	if !ok {
		readings, err := m.readings.ScanReadings(ctx, key.StationID, key.PeriodStart, key.End())
		if err != nil {
			return nil, err
		}
		return rollup.FromReadings(key, readings, now), nil
	}
	children, err := m.buckets.List(ctx, key.StationID, child, key.PeriodStart, key.End())
	if err != nil {
		return nil, err
	}
	return rollup.FromChildren(key, children, now), nil
}
