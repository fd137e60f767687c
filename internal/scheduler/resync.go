package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Resyncer queues periodic look-back cycles on a cron schedule.
type Resyncer struct {
	cron   *cron.Cron
	logger logrus.FieldLogger
}

// NewResyncer schedules s.Resync with a standard five-field cron expression in UTC.
func NewResyncer(s *Scheduler, spec string, logger logrus.FieldLogger) (*Resyncer, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "resync")
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		queued := s.Resync()
		logger.Debugf("resync tick queued=%d", queued)
	}); err != nil {
		return nil, fmt.Errorf("scheduler: resync schedule %q: %w", spec, err)
	}
	return &Resyncer{cron: c, logger: logger}, nil
}

// Start begins firing the schedule.
func (r *Resyncer) Start() {
	r.cron.Start()
	r.logger.Info("resync schedule started")
}

// Next returns the next planned run, zero before Start.
func (r *Resyncer) Next() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop halts the schedule and waits for a running tick.
func (r *Resyncer) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("resync schedule stopped")
}
