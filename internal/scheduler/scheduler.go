package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	analytics "stationsync/internal/analytics/application"
	"stationsync/internal/analytics/application/eventbus"
	"stationsync/internal/observability/metrics"
	telemetryapp "stationsync/internal/telemetry/application"
	telemetry "stationsync/internal/telemetry/domain"
)

var (
	// ErrUnknownStation is returned for stations that were never registered.
	ErrUnknownStation = errors.New("scheduler: unknown station")
	// ErrStationDisabled is returned when a trigger targets a stopped station.
	ErrStationDisabled = errors.New("scheduler: station disabled")
	// ErrBusy is returned when a station's request queue is full.
	ErrBusy = errors.New("scheduler: station busy")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("scheduler: stopped")
)

// Fetcher pulls the readings of one window from the vendor.
type Fetcher interface {
	Pull(ctx context.Context, station telemetry.Station, from, to time.Time) ([]telemetry.Reading, string, error)
}

// Committer stores a batch of readings.
type Committer interface {
	Commit(ctx context.Context, stationID string, readings []telemetry.Reading) (telemetryapp.CommitResult, error)
}

// Repairer rebuilds rollups for touched hours.
type Repairer interface {
	Repair(ctx context.Context, stationID string, touched []time.Time) (analytics.RepairResult, error)
}

// Config holds scheduling parameters.
type Config struct {
	PoolSize       int
	CycleTimeout   time.Duration
	Overlap        time.Duration
	MaxHistory     time.Duration
	MaxWindow      time.Duration
	ResyncLookback time.Duration
	Backoff        BackoffPolicy
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:       5,
		CycleTimeout:   2 * time.Minute,
		Overlap:        10 * time.Minute,
		MaxHistory:     90 * 24 * time.Hour,
		MaxWindow:      7 * 24 * time.Hour,
		ResyncLookback: 24 * time.Hour,
		Backoff:        DefaultBackoff(),
	}
}

// Scheduler drives one cycle loop per station.
type Scheduler struct {
	cfg        Config
	fetcher    Fetcher
	writer     Committer
	maintainer Repairer
	watermarks telemetry.WatermarkStore
	stations   telemetry.StationRepository
	bus        eventbus.EventBus
	clock      telemetry.Clock
	logger     logrus.FieldLogger
	sem        *semaphore.Weighted

	mu      sync.Mutex
	tasks   map[string]*stationTask
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduling clock.
func WithClock(clock telemetry.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithEventBus publishes StationCycleFailed events.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithStationRepository persists registrations and soft disables.
func WithStationRepository(repo telemetry.StationRepository) Option {
	return func(s *Scheduler) { s.stations = repo }
}

// New constructs a scheduler. Cycles start after Start.
func New(cfg Config, fetcher Fetcher, writer Committer, maintainer Repairer, watermarks telemetry.WatermarkStore, logger logrus.FieldLogger, opts ...Option) (*Scheduler, error) {
	if fetcher == nil {
		return nil, errors.New("scheduler: nil fetcher")
	}
	if writer == nil {
		return nil, errors.New("scheduler: nil writer")
	}
	if maintainer == nil {
		return nil, errors.New("scheduler: nil maintainer")
	}
	if watermarks == nil {
		return nil, errors.New("scheduler: nil watermark store")
	}
	if cfg.PoolSize <= 0 {
		return nil, errors.New("scheduler: pool size must be positive")
	}
	if cfg.MaxWindow <= cfg.Overlap {
		return nil, fmt.Errorf("scheduler: max window %s must exceed overlap %s", cfg.MaxWindow, cfg.Overlap)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Scheduler{
		cfg:        cfg,
		fetcher:    fetcher,
		writer:     writer,
		maintainer: maintainer,
		watermarks: watermarks,
		clock:      telemetry.SystemClock{},
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.PoolSize)),
		tasks:      make(map[string]*stationTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the loops of all enabled stations.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil || s.stopped {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		if task.station().Enabled {
			_ = task.setState(StateIdle)
			s.launchLocked(task)
		}
	}
	s.reportActiveLocked()
	s.logger.Infof("scheduler started stations=%d pool=%d", len(s.tasks), s.cfg.PoolSize)
}

// Stop cancels in-flight cycles and waits for every loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Register adds a station or applies changed settings to a known one.
// Disabled stations are stopped once their in-flight cycle finishes.
func (s *Scheduler) Register(ctx context.Context, station telemetry.Station) error {
	if err := station.Validate(); err != nil {
		return err
	}
	if s.stations != nil {
		if err := s.stations.Register(ctx, station); err != nil {
			return fmt.Errorf("scheduler: register %s: %w", station.ID, err)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	task, ok := s.tasks[station.ID]
	if !ok {
		task = newStationTask(station)
		s.tasks[station.ID] = task
		s.logger.Infof("station registered station=%s cadence=%s enabled=%t", station.ID, station.Cadence, station.Enabled)
	} else {
		prev := task.update(station)
		if prev.Cadence != station.Cadence {
			s.logger.Infof("station cadence changed station=%s cadence=%s", station.ID, station.Cadence)
		}
		if station.Enabled && !sameTime(prev.BackfillFrom, station.BackfillFrom) {
			task.enqueue(cycleRequest{kind: triggerManual})
		}
	}
	if !station.Enabled {
		s.mu.Unlock()
		return s.Disable(ctx, station.ID)
	}
	if s.runCtx != nil && !task.running() {
		_ = task.setState(StateIdle)
		s.launchLocked(task)
	}
	s.reportActiveLocked()
	s.mu.Unlock()
	return nil
}

// Disable stops scheduling a station. An in-flight cycle finishes first.
func (s *Scheduler) Disable(ctx context.Context, stationID string) error {
	if s.stations != nil {
		if err := s.stations.Disable(ctx, stationID); err != nil && !errors.Is(err, telemetry.ErrStationNotFound) {
			return fmt.Errorf("scheduler: disable %s: %w", stationID, err)
		}
	}
	s.mu.Lock()
	task, ok := s.tasks[stationID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := task.halt(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.reportActiveLocked()
	s.mu.Unlock()
	metrics.ForgetStation(stationID)
	s.logger.Infof("station disabled station=%s", stationID)
	return nil
}

// Sync reconciles the registered set with a full station list.
// Stations missing from the list are disabled.
func (s *Scheduler) Sync(ctx context.Context, stations []telemetry.Station) error {
	var errs []error
	keep := make(map[string]struct{}, len(stations))
	for _, station := range stations {
		keep[station.ID] = struct{}{}
		if err := s.Register(ctx, station); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	var missing []string
	for id := range s.tasks {
		if _, ok := keep[id]; !ok {
			missing = append(missing, id)
			keep[id] = struct{}{}
		}
	}
	s.mu.Unlock()
	if s.stations != nil {
		stored, err := s.stations.List(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduler: list stations: %w", err))
		}
		for _, st := range stored {
			if _, ok := keep[st.ID]; !ok && st.Enabled {
				missing = append(missing, st.ID)
			}
		}
	}
	for _, id := range missing {
		if err := s.Disable(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Trigger requests an immediate cycle.
func (s *Scheduler) Trigger(stationID string) error {
	return s.send(stationID, cycleRequest{kind: triggerManual})
}

// Backfill rewinds the station to from and re-ingests forward.
func (s *Scheduler) Backfill(stationID string, from time.Time) error {
	return s.send(stationID, cycleRequest{kind: triggerBackfill, from: from.UTC()})
}

// Resync queues one look-back cycle on every running station.
func (s *Scheduler) Resync() int {
	s.mu.Lock()
	tasks := make([]*stationTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()
	queued := 0
	for _, task := range tasks {
		if !task.running() {
			continue
		}
		if task.enqueue(cycleRequest{kind: triggerResync}) {
			queued++
		}
	}
	s.logger.Infof("resync queued stations=%d", queued)
	return queued
}

// RunOnce runs one cycle of a station and waits for the outcome.
// Before Start the cycle runs on the calling goroutine.
func (s *Scheduler) RunOnce(ctx context.Context, stationID string) (Outcome, error) {
	s.mu.Lock()
	task, ok := s.tasks[stationID]
	started := s.runCtx != nil
	s.mu.Unlock()
	if !ok {
		return Outcome{}, ErrUnknownStation
	}
	if !started || !task.running() {
		return s.execute(ctx, task, cycleRequest{kind: triggerManual}), nil
	}
	reply := make(chan Outcome, 1)
	if !task.enqueue(cycleRequest{kind: triggerManual, reply: reply}) {
		return Outcome{}, ErrBusy
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// StationStatus is a point-in-time view of one station.
type StationStatus struct {
	StationID   string
	State       State
	Enabled     bool
	Cadence     time.Duration
	Failures    int
	NextRun     time.Time
	LastRun     time.Time
	LastSuccess time.Time
	LastError   string
}

// Snapshot returns the status of every known station sorted by id.
func (s *Scheduler) Snapshot() []StationStatus {
	s.mu.Lock()
	out := make([]StationStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.status())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out
}

func (s *Scheduler) send(stationID string, req cycleRequest) error {
	s.mu.Lock()
	task, ok := s.tasks[stationID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownStation
	}
	if !task.running() {
		return ErrStationDisabled
	}
	if !task.enqueue(req) {
		return ErrBusy
	}
	return nil
}

func (s *Scheduler) launchLocked(task *stationTask) {
	stop, done := task.start()
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, task, stop, done)
	}()
}

func (s *Scheduler) reportActiveLocked() {
	active := 0
	for _, task := range s.tasks {
		if task.station().Enabled && task.running() {
			active++
		}
	}
	metrics.SetStationsActive(active)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
