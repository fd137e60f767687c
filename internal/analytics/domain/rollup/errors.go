package rollup

import "errors"

var (
	// ErrInvalidGranularity is returned when granularity is unsupported.
	ErrInvalidGranularity = errors.New("rollup: invalid granularity")
	// ErrInvalidPeriodStart is returned when the period start is zero or not aligned.
	ErrInvalidPeriodStart = errors.New("rollup: invalid period start")
	// ErrEmptyStationID is returned when the bucket key has no station.
	ErrEmptyStationID = errors.New("rollup: empty station id")
	// ErrBucketNotFound is returned when a bucket does not exist.
	ErrBucketNotFound = errors.New("rollup: bucket not found")
	// ErrKeyMismatch is returned when a rebuilt bucket does not carry the rebuilt key.
	ErrKeyMismatch = errors.New("rollup: bucket key mismatch")
)
