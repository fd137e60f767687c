package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("telemetry: transient failure")
	// ErrPermanent marks failures that will not resolve by retrying soon.
	ErrPermanent = errors.New("telemetry: permanent failure")
	// ErrConstraintViolation is returned when a batch contains an invalid reading.
	ErrConstraintViolation = errors.New("telemetry: constraint violation")
	// ErrStorageUnavailable is returned when the store cannot be reached or the transaction failed.
	ErrStorageUnavailable = errors.New("telemetry: storage unavailable")
	// ErrStaleWatermark is returned when an advance would move a watermark backwards.
	ErrStaleWatermark = errors.New("telemetry: stale watermark")
	// ErrNoData is returned by the vendor when a window holds no readings.
	ErrNoData = errors.New("telemetry: no data")
	// ErrStationNotFound is returned when a station is not registered.
	ErrStationNotFound = errors.New("telemetry: station not found")
	// ErrEmptyStationID is returned when a station id is empty.
	ErrEmptyStationID = errors.New("telemetry: empty station id")
)

// Kind classifies an Error for retry decisions.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindPermanent
	KindConstraint
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConstraint:
		return "constraint"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error carries a failure kind, the failed operation and an optional rate-limit hint.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error kind.
// Storage failures are also transient.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient || e.Kind == KindStorage
	case ErrPermanent:
		return e.Kind == KindPermanent
	case ErrConstraintViolation:
		return e.Kind == KindConstraint
	case ErrStorageUnavailable:
		return e.Kind == KindStorage
	}
	return false
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// RateLimited wraps err as a transient failure with a server supplied delay.
func RateLimited(op string, retryAfter time.Duration, err error) error {
	return &Error{Kind: KindTransient, Op: op, RetryAfter: retryAfter, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// ConstraintViolation wraps err as a rejected batch.
func ConstraintViolation(op string, err error) error {
	return &Error{Kind: KindConstraint, Op: op, Err: err}
}

// StorageUnavailable wraps err as a retryable storage failure.
func StorageUnavailable(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// RetryAfter returns the rate-limit hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// IsPermanent reports whether err should push a station into the extended backoff.
// Unknown errors and deadline expiry are treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrConstraintViolation)
}

// Classify maps any error to a Kind. Unknown errors and context expiry are transient.
func Classify(err error) Kind {
	var te *Error
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	case errors.As(err, &te):
		return te.Kind
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrConstraintViolation):
		return KindConstraint
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorage
	default:
		return KindTransient
	}
}
