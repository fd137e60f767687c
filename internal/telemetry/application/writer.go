package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stationsync/internal/observability/metrics"
	telemetry "stationsync/internal/telemetry/domain"
)

// CommitResult reports what a successful commit changed.
type CommitResult struct {
	// Touched holds the distinct UTC hour starts that received readings, ascending.
	Touched []time.Time
	Written int
}

// Writer commits fetched readings to the raw series store.
type Writer struct {
	readings   telemetry.ReadingRepository
	quarantine telemetry.QuarantineRepository
	clock      telemetry.Clock
	logger     logrus.FieldLogger
}

// WriterOption configures the writer.
type WriterOption func(*Writer)

// WithQuarantine keeps rejected batches in repo.
func WithQuarantine(repo telemetry.QuarantineRepository) WriterOption {
	return func(w *Writer) {
		w.quarantine = repo
	}
}

// WithClock overrides the ingestion clock.
func WithClock(clock telemetry.Clock) WriterOption {
	return func(w *Writer) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// NewWriter constructs a writer.
func NewWriter(readings telemetry.ReadingRepository, logger logrus.FieldLogger, opts ...WriterOption) (*Writer, error) {
	if readings == nil {
		return nil, errors.New("writer: nil reading repository")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &Writer{readings: readings, clock: telemetry.SystemClock{}, logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Commit validates the whole batch, then writes it atomically.
// A single invalid reading rejects the batch with ErrConstraintViolation and
// nothing is written. Committing the same batch twice leaves the store unchanged.
func (w *Writer) Commit(ctx context.Context, stationID string, readings []telemetry.Reading) (CommitResult, error) {
	if stationID == "" {
		return CommitResult{}, telemetry.ErrEmptyStationID
	}
	if len(readings) == 0 {
		return CommitResult{}, nil
	}

	readings = append([]telemetry.Reading(nil), readings...)
	for i := range readings {
		if readings[i].StationID == "" {
			readings[i].StationID = stationID
		}
		if readings[i].StationID != stationID {
			return CommitResult{}, w.reject(ctx, stationID, readings, fmt.Errorf("reading %d belongs to station %s", i, readings[i].StationID))
		}
		if err := readings[i].Validate(); err != nil {
			return CommitResult{}, w.reject(ctx, stationID, readings, err)
		}
	}

	batch := telemetry.Coalesce(readings)
	now := w.clock.Now()
	touched := make(map[int64]time.Time, len(batch))
	for i := range batch {
		batch[i].IngestedAt = now
		hour := telemetry.HourStart(batch[i].At)
		touched[hour.Unix()] = hour
	}

	if err := w.readings.UpsertReadings(ctx, stationID, batch); err != nil {
		if errors.Is(err, telemetry.ErrConstraintViolation) {
			return CommitResult{}, w.reject(ctx, stationID, readings, err)
		}
		if errors.Is(err, telemetry.ErrStorageUnavailable) {
			return CommitResult{}, err
		}
		return CommitResult{}, telemetry.StorageUnavailable("commit readings", err)
	}

	result := CommitResult{Touched: make([]time.Time, 0, len(touched)), Written: len(batch)}
	for _, hour := range touched {
		result.Touched = append(result.Touched, hour)
	}
	sort.Slice(result.Touched, func(i, j int) bool { return result.Touched[i].Before(result.Touched[j]) })
	metrics.AddReadingsIngested(len(batch))
	return result, nil
}

func (w *Writer) reject(ctx context.Context, stationID string, readings []telemetry.Reading, cause error) error {
	metrics.IncQuarantinedBatch()
	entry := w.logger.WithField("station", stationID)
	if w.quarantine != nil {
		batch := telemetry.QuarantinedBatch{
			ID:        uuid.NewString(),
			StationID: stationID,
			Reason:    cause.Error(),
			Readings:  readings,
			CreatedAt: w.clock.Now(),
		}
		if err := w.quarantine.Quarantine(ctx, batch); err != nil {
			entry.WithError(err).Warn("quarantine batch failed")
		} else {
			entry = entry.WithField("quarantine_id", batch.ID)
		}
	}
	entry.WithField("readings", len(readings)).Warnf("batch rejected: %v", cause)
	var te *telemetry.Error
	if errors.As(cause, &te) && te.Kind == telemetry.KindConstraint {
		return cause
	}
	return telemetry.ConstraintViolation("commit readings", cause)
}
