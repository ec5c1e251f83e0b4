package liveclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := ReconnectDelay(attempt)
			assert.GreaterOrEqual(t, d, 400*time.Millisecond, "attempt %d", attempt)
			assert.LessOrEqual(t, d, 36*time.Second, "attempt %d", attempt)
		}
	}
}

func TestBackoffFormula(t *testing.T) {
	low := Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxExponent: 10, Jitter: 0.2, Rand: func() float64 { return 0 }}
	high := low
	high.Rand = func() float64 { return 0.9999999 }

	cases := []struct {
		attempt   int
		low, high time.Duration
	}{
		{0, 800 * time.Millisecond, 1200 * time.Millisecond},
		{1, 800 * time.Millisecond, 1200 * time.Millisecond},
		{2, 1600 * time.Millisecond, 2400 * time.Millisecond},
		{5, 12800 * time.Millisecond, 19200 * time.Millisecond},
		{6, 24 * time.Second, 36 * time.Second},
		{15, 24 * time.Second, 36 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.low, low.Delay(tc.attempt), "attempt %d low", tc.attempt)
		assert.Equal(t, tc.high, high.Delay(tc.attempt), "attempt %d high", tc.attempt)
	}
}

func TestBackoffWithoutJitterIsExact(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxExponent: 10}
	assert.Equal(t, 20*time.Millisecond, b.Delay(1))
	assert.Equal(t, 40*time.Millisecond, b.Delay(2))
	assert.Equal(t, 50*time.Millisecond, b.Delay(3))
}
