package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stationsync/internal/analytics/application/events"
	"stationsync/internal/eventing"
	"stationsync/internal/observability/metrics"
	telemetry "stationsync/internal/telemetry/domain"
)

const attemptWriteTimeout = 5 * time.Second

// Outcome describes one finished cycle.
type Outcome struct {
	StationID string
	CycleID   string
	Trigger   string
	From      time.Time
	To        time.Time
	Fetched   int
	Written   int
	Touched   []time.Time
	Buckets   int
	Advanced  bool
	// CatchUp is set when the window was capped and another cycle follows immediately.
	CatchUp bool
	Err     error
	// Delay is the wait before the station's next timer cycle.
	Delay time.Duration
}

type window struct {
	from            time.Time
	to              time.Time
	force           bool
	advance         bool
	capped          bool
	backfillApplied *time.Time
}

// plan picks the fetch window of a cycle.
func (s *Scheduler) plan(station telemetry.Station, wm *telemetry.Watermark, req cycleRequest, now time.Time) window {
	now = now.UTC().Truncate(time.Second)
	w := window{to: now, advance: true}
	if wm != nil && wm.BackfillApplied != nil {
		applied := *wm.BackfillApplied
		w.backfillApplied = &applied
	}

	switch {
	case req.kind == triggerBackfill:
		w.from = req.from
		w.force = true
	case station.BackfillFrom != nil && (wm == nil || !sameTime(wm.BackfillApplied, station.BackfillFrom)):
		from := station.BackfillFrom.UTC()
		w.from = from
		w.force = true
		w.backfillApplied = &from
	case wm == nil:
		w.from = now.Add(-s.cfg.MaxHistory)
	case req.kind == triggerResync && !req.from.IsZero():
		w.from = req.from
	case req.kind == triggerResync:
		w.from = now.Add(-s.cfg.ResyncLookback)
		if back := wm.Timestamp.Add(-s.cfg.Overlap); back.Before(w.from) {
			w.from = back
		}
	default:
		w.from = wm.Timestamp.Add(-s.cfg.Overlap)
	}

	// A backfill only ever rewinds; starting past the cursor would skip readings.
	if w.force && wm != nil {
		if back := wm.Timestamp.Add(-s.cfg.Overlap); back.Before(w.from) {
			w.from = back
		}
	}
	if w.to.Sub(w.from) > s.cfg.MaxWindow {
		w.to = w.from.Add(s.cfg.MaxWindow)
		w.capped = true
	}
	if !w.force && wm != nil && w.to.Before(wm.Timestamp) {
		w.advance = false
	}
	return w
}

func (s *Scheduler) execute(parent context.Context, task *stationTask, req cycleRequest) Outcome {
	task.cycleMu.Lock()
	defer task.cycleMu.Unlock()

	station := task.station()
	if cursor, ok := task.resyncCursor(); ok && (req.kind == triggerTimer || req.kind == triggerManual) {
		req = cycleRequest{kind: triggerResync, from: cursor, reply: req.reply}
	}
	out := Outcome{StationID: station.ID, CycleID: uuid.NewString(), Trigger: req.kind.String(), Delay: station.Cadence}
	if !station.Enabled {
		out.Err = ErrStationDisabled
		return out
	}
	if err := s.sem.Acquire(parent, 1); err != nil {
		out.Err = err
		return out
	}
	defer s.sem.Release(1)
	parent = eventing.WithCorrelationID(parent, out.CycleID)

	switch task.currentState() {
	case StateBackoff, StateStopped:
		_ = task.setState(StateIdle)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"station": station.ID,
		"cycle":   out.CycleID,
		"trigger": out.Trigger,
	})
	started := time.Now()
	task.markRun(s.clock.Now())

	ctx := parent
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.cfg.CycleTimeout)
		defer cancel()
	}

	if err := s.cycle(ctx, task, station, req, &out, logger); err != nil {
		s.fail(parent, task, station, &out, err, time.Since(started), logger)
		return out
	}
	if req.kind == triggerResync {
		if out.CatchUp {
			task.setResyncCursor(out.To)
		} else {
			task.clearResyncCursor()
		}
	}
	s.succeed(parent, task, station, &out, time.Since(started), logger)
	return out
}

// cycle runs fetch, commit, repair and advance. Any error leaves the watermark untouched.
func (s *Scheduler) cycle(ctx context.Context, task *stationTask, station telemetry.Station, req cycleRequest, out *Outcome, logger logrus.FieldLogger) error {
	if err := task.setState(StateFetching); err != nil {
		return err
	}
	wm, err := s.watermarks.Read(ctx, station.ID)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	w := s.plan(station, wm, req, s.clock.Now())
	out.From, out.To, out.CatchUp = w.from, w.to, w.capped
	if !w.from.Before(w.to) {
		logger.Debugf("nothing to fetch window=[%s,%s)", w.from.Format(time.RFC3339), w.to.Format(time.RFC3339))
		return task.setState(StateIdle)
	}

	readings, token, err := s.fetcher.Pull(ctx, station, w.from, w.to)
	if err != nil && !errors.Is(err, telemetry.ErrNoData) {
		return fmt.Errorf("fetch: %w", err)
	}
	out.Fetched = len(readings)

	if len(readings) > 0 {
		if err := task.setState(StateWriting); err != nil {
			return err
		}
		committed, err := s.writer.Commit(ctx, station.ID, readings)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		out.Written = committed.Written
		out.Touched = committed.Touched

		if err := task.setState(StateAggregating); err != nil {
			return err
		}
		repaired, err := s.maintainer.Repair(ctx, station.ID, committed.Touched)
		if err != nil {
			return fmt.Errorf("repair: %w", err)
		}
		out.Buckets = repaired.Total()
	}

	if err := task.setState(StateAdvancing); err != nil {
		return err
	}
	if w.advance {
		next := telemetry.Watermark{
			StationID:       station.ID,
			Timestamp:       w.to,
			Token:           token,
			BackfillApplied: w.backfillApplied,
		}
		if next.Token == "" && wm != nil {
			next.Token = wm.Token
		}
		if err := s.watermarks.Advance(ctx, next, telemetry.AdvanceOptions{ForceRewind: w.force}); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		out.Advanced = true
	}
	return task.setState(StateIdle)
}

func (s *Scheduler) succeed(parent context.Context, task *stationTask, station telemetry.Station, out *Outcome, took time.Duration, logger logrus.FieldLogger) {
	now := s.clock.Now()
	task.recordSuccess(now)
	if out.CatchUp {
		out.Delay = 0
	}

	s.recordAttempt(parent, telemetry.Attempt{StationID: station.ID, At: now, Status: telemetry.AttemptSuccess}, logger)
	metrics.ObserveCycle(metrics.ResultSuccess, took)
	metrics.SetBackoffAttempts(station.ID, 0)
	if out.Advanced {
		metrics.ObserveWatermarkLag(station.ID, now.Sub(out.To))
	}

	logger.WithField("state", StateIdle).Infof(
		"cycle complete window=[%s,%s) fetched=%d written=%d touched=%d buckets=%d advanced=%t catch_up=%t",
		out.From.Format(time.RFC3339), out.To.Format(time.RFC3339),
		out.Fetched, out.Written, len(out.Touched), out.Buckets, out.Advanced, out.CatchUp,
	)
}

func (s *Scheduler) fail(parent context.Context, task *stationTask, station telemetry.Station, out *Outcome, err error, took time.Duration, logger logrus.FieldLogger) {
	now := s.clock.Now()
	attempts := task.recordFailure(err.Error())
	permanent := telemetry.IsPermanent(err)
	out.Err = err
	out.CatchUp = false
	out.Delay = s.cfg.Backoff.Delay(station.Cadence, attempts, err)
	if terr := task.setState(StateBackoff); terr != nil {
		logger.WithError(terr).Debug("backoff transition rejected")
	}

	s.recordAttempt(parent, telemetry.Attempt{
		StationID:  station.ID,
		At:         now,
		Status:     telemetry.AttemptError,
		Error:      err.Error(),
		RetryCount: attempts,
	}, logger)
	metrics.ObserveCycle(metrics.ResultError, took)
	metrics.SetBackoffAttempts(station.ID, attempts)

	logger.WithError(err).WithField("state", StateBackoff).Warnf(
		"cycle failed kind=%s attempt=%d retry_in=%s", telemetry.Classify(err), attempts, out.Delay,
	)

	if s.bus == nil {
		return
	}
	event := events.StationCycleFailed{
		StationID:  station.ID,
		CycleID:    out.CycleID,
		Attempt:    attempts,
		Permanent:  permanent,
		Err:        err.Error(),
		RetryAt:    now.Add(out.Delay),
		OccurredAt: now,
	}
	if perr := s.bus.Publish(context.WithoutCancel(parent), event); perr != nil {
		logger.WithError(perr).Warn("publish cycle failure")
	}
}

// recordAttempt writes the outcome even when the cycle context has expired.
func (s *Scheduler) recordAttempt(parent context.Context, attempt telemetry.Attempt, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), attemptWriteTimeout)
	defer cancel()
	if err := s.watermarks.RecordAttempt(ctx, attempt); err != nil {
		logger.WithError(err).Warn("record attempt")
	}
}
