package connection

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides how long the socket waits before each reconnect attempt.
type Retryer interface {
	// NextDelay returns the wait before attempt (0-based) and whether to try at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
	// Reset is called after a successful reconnect.
	Reset()
}

// Backoff grows the delay geometrically up to MaxDelay, optionally with jitter.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries of 0 retries forever.
	MaxRetries int
	// JitterFactor in [0, 1] spreads the delay by +/- that fraction.
	JitterFactor float64
}

// NewBackoff returns the default reconnect policy: 1s doubling to 30s, 30% jitter, no limit.
func NewBackoff() *Backoff {
	return &Backoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}
}

func (b *Backoff) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if b.MaxRetries > 0 && attempt >= b.MaxRetries {
		return 0, false
	}

	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.InitialDelay)
		}
	}

	return time.Duration(delay), true
}

func (b *Backoff) Reset() {}

// Fixed waits the same Delay before every attempt.
type Fixed struct {
	Delay      time.Duration
	MaxRetries int
}

func (f *Fixed) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if f.MaxRetries > 0 && attempt >= f.MaxRetries {
		return 0, false
	}
	return f.Delay, true
}

func (f *Fixed) Reset() {}

// Never disables reconnection.
type Never struct{}

func (Never) NextDelay(int, error) (time.Duration, bool) { return 0, false }

func (Never) Reset() {}
