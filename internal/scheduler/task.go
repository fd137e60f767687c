package scheduler

import (
	"context"
	"sync"
	"time"

	telemetry "stationsync/internal/telemetry/domain"
)

type triggerKind int

const (
	triggerTimer triggerKind = iota
	triggerManual
	triggerBackfill
	triggerResync
)

func (k triggerKind) String() string {
	switch k {
	case triggerTimer:
		return "timer"
	case triggerManual:
		return "manual"
	case triggerBackfill:
		return "backfill"
	case triggerResync:
		return "resync"
	default:
		return "unknown"
	}
}

type cycleRequest struct {
	kind  triggerKind
	from  time.Time
	reply chan Outcome
}

const requestQueueSize = 8

// stationTask holds the scheduling state of one station.
// cycleMu serializes cycles; mu guards the remaining fields.
type stationTask struct {
	cycleMu sync.Mutex

	mu          sync.Mutex
	st          telemetry.Station
	state       State
	failures    int
	nextRun     time.Time
	lastRun     time.Time
	lastSuccess time.Time
	lastErr     string
	active      bool
	stop        chan struct{}
	done        chan struct{}

	// resyncFrom is where a capped resync continues.
	resyncFrom time.Time

	requests chan cycleRequest
}

func newStationTask(station telemetry.Station) *stationTask {
	state := StateIdle
	if !station.Enabled {
		state = StateStopped
	}
	return &stationTask{
		st:       station,
		state:    state,
		requests: make(chan cycleRequest, requestQueueSize),
	}
}

func (t *stationTask) station() telemetry.Station {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

func (t *stationTask) update(station telemetry.Station) telemetry.Station {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.st
	t.st = station
	return prev
}

func (t *stationTask) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *stationTask) setState(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == to {
		return nil
	}
	if !t.state.CanTransition(to) {
		return transitionError{from: t.state, to: to}
	}
	t.state = to
	return nil
}

func (t *stationTask) start() (<-chan struct{}, chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Enabled = true
	t.active = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	return t.stop, t.done
}

func (t *stationTask) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *stationTask) enqueue(req cycleRequest) bool {
	select {
	case t.requests <- req:
		return true
	default:
		return false
	}
}

// halt stops the loop after its in-flight cycle and waits for it to exit.
func (t *stationTask) halt(ctx context.Context) error {
	t.mu.Lock()
	t.st.Enabled = false
	if !t.active {
		if t.state.CanTransition(StateStopped) {
			t.state = StateStopped
		}
		t.mu.Unlock()
		return nil
	}
	t.active = false
	close(t.stop)
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exited runs when the loop returns; queued callers are released.
func (t *stationTask) exited() {
	t.mu.Lock()
	if t.state.CanTransition(StateStopped) {
		t.state = StateStopped
	}
	t.nextRun = time.Time{}
	t.mu.Unlock()
	for {
		select {
		case req := <-t.requests:
			if req.reply != nil {
				req.reply <- Outcome{StationID: t.station().ID, Err: ErrStationDisabled}
			}
		default:
			return
		}
	}
}

func (t *stationTask) resyncCursor() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resyncFrom, !t.resyncFrom.IsZero()
}

func (t *stationTask) setResyncCursor(at time.Time) {
	t.mu.Lock()
	t.resyncFrom = at
	t.mu.Unlock()
}

func (t *stationTask) clearResyncCursor() {
	t.mu.Lock()
	t.resyncFrom = time.Time{}
	t.mu.Unlock()
}

func (t *stationTask) markRun(at time.Time) {
	t.mu.Lock()
	t.lastRun = at
	t.mu.Unlock()
}

func (t *stationTask) scheduleNext(at time.Time) {
	t.mu.Lock()
	t.nextRun = at
	t.mu.Unlock()
}

func (t *stationTask) recordFailure(msg string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.lastErr = msg
	return t.failures
}

func (t *stationTask) recordSuccess(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.lastErr = ""
	t.lastSuccess = at
}

func (t *stationTask) status() StationStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return StationStatus{
		StationID:   t.st.ID,
		State:       t.state,
		Enabled:     t.st.Enabled,
		Cadence:     t.st.Cadence,
		Failures:    t.failures,
		NextRun:     t.nextRun,
		LastRun:     t.lastRun,
		LastSuccess: t.lastSuccess,
		LastError:   t.lastErr,
	}
}

// loop runs cycles on the station timer and on queued requests until stopped.
func (s *Scheduler) loop(ctx context.Context, task *stationTask, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer task.exited()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		var req cycleRequest
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			req = cycleRequest{kind: triggerTimer}
		case req = <-task.requests:
		}

		out := s.execute(ctx, task, req)
		if req.reply != nil {
			req.reply <- out
		}
		resetTimer(timer, out.Delay)
		task.scheduleNext(s.clock.Now().Add(out.Delay))
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}
