package scheduler

import (
	"math"
	"math/rand"
	"time"

	telemetry "stationsync/internal/telemetry/domain"
)

// BackoffPolicy computes the delay before the next cycle of a failing station.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Permanent is the extended delay used after permanent failures.
	Permanent time.Duration
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff mirrors the configuration defaults.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:    time.Minute,
		Max:        30 * time.Minute,
		Multiplier: 2,
		Permanent:  6 * time.Hour,
	}
}

// Delay returns the wait after the attempts-th consecutive failure.
// The result is always strictly greater than cadence: half of the exponential
// step is fixed and the other half is jittered.
func (p BackoffPolicy) Delay(cadence time.Duration, attempts int, err error) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if telemetry.IsPermanent(err) && p.Permanent > 0 {
		return cadence + p.Permanent
	}

	step := p.step(attempts)
	half := step / 2
	jitter := time.Duration(p.random() * float64(step-half))
	delay := cadence + half + jitter
	if half <= 0 {
		delay = cadence + time.Second
	}

	if hint := telemetry.RetryAfter(err); hint > delay {
		return hint
	}
	return delay
}

func (p BackoffPolicy) step(attempts int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	step := float64(initial) * math.Pow(mult, float64(attempts-1))
	if p.Max > 0 && step > float64(p.Max) {
		return p.Max
	}
	if step > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(step)
}

func (p BackoffPolicy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
