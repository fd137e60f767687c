package eventing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 5
)

// EventBus is the minimal publish interface.
type EventBus interface {
	Publish(ctx context.Context, event any) error
}

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit, maxAttempts int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// OutboxRecord is a stored envelope that has not been delivered yet.
type OutboxRecord struct {
	ID       string
	Envelope Envelope
	Attempts int
}

// Dispatcher delivers pending outbox records to the in-process bus.
// Dispatch calls are serialized so a record is never handed to the bus twice
// at the same time.
type Dispatcher struct {
	mu          sync.Mutex
	bus         EventBus
	outbox      OutboxStore
	registry    *Registry
	logger      logrus.FieldLogger
	maxAttempts int
}

// NewDispatcher constructs a dispatcher. Records failing maxAttempts times
// stay in the outbox for inspection and are no longer retried.
func NewDispatcher(bus EventBus, outbox OutboxStore, registry *Registry, logger logrus.FieldLogger, maxAttempts int) (*Dispatcher, error) {
	if bus == nil {
		return nil, errors.New("eventing: nil bus")
	}
	if outbox == nil {
		return nil, errors.New("eventing: nil outbox")
	}
	if registry == nil {
		return nil, errors.New("eventing: nil registry")
	}
	if logger == nil {
		return nil, errors.New("eventing: nil logger")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{bus: bus, outbox: outbox, registry: registry, logger: logger, maxAttempts: maxAttempts}, nil
}

// Dispatch delivers up to limit pending records and returns how many were sent.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliver(ctx, limit)
}

// tryDispatch delivers pending records unless a dispatch is already running.
// The running dispatch or the next Run tick picks up what it misses, and a
// handler publishing from inside a delivery does not deadlock.
func (d *Dispatcher) tryDispatch(ctx context.Context) {
	if !d.mu.TryLock() {
		return
	}
	defer d.mu.Unlock()
	_, _ = d.deliver(ctx, defaultBatchSize)
}

func (d *Dispatcher) deliver(ctx context.Context, limit int) (int, error) {
	records, err := d.outbox.ListPending(ctx, limit, d.maxAttempts)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, record := range records {
		env := record.Envelope
		logger := d.logger.WithFields(logrus.Fields{
			"event":    env.EventType,
			"event_id": env.EventID,
			"station":  env.StationID,
		})

		payload, err := d.registry.DecodePayload(env)
		if err == nil {
			err = d.bus.Publish(WithEnvelope(WithCorrelationID(ctx, env.CorrelationID), env), payload)
		}
		if err != nil {
			if ferr := d.outbox.MarkFailed(ctx, record.ID, err.Error()); ferr != nil {
				return sent, ferr
			}
			logger.WithError(err).WithField("attempt", record.Attempts+1).Warn("event delivery failed")
			continue
		}
		if err := d.outbox.MarkSent(ctx, record.ID, time.Now().UTC()); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Run redelivers pending records every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Dispatch(ctx, 0); err != nil && ctx.Err() == nil {
				d.logger.WithError(err).Warn("outbox dispatch failed")
			}
		}
	}
}
