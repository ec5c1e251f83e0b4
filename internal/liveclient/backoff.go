package liveclient

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: a capped power of two times Base,
// spread by a uniform jitter of plus or minus Jitter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxExponent int
	Jitter      float64
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxExponent: 10, Jitter: 0.2}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.MaxExponent <= 0 {
		b.MaxExponent = d.MaxExponent
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Rand == nil {
		b.Rand = rand.Float64
	}
	return b
}

// Delay is the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	bounded := min(max(attempt, 1), b.MaxExponent)

	expMs := math.Min(float64(b.Max.Milliseconds()), math.Pow(2, float64(bounded))*float64(b.Base.Milliseconds()))
	jitter := math.Round(expMs * b.Jitter)
	ms := expMs - jitter + math.Floor(b.Rand()*(2*jitter+1))
	return time.Duration(ms) * time.Millisecond
}

// ReconnectDelay is Delay with the default policy.
func ReconnectDelay(attempt int) time.Duration {
	return DefaultBackoff().Delay(attempt)
}
