package imapconn

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls the reconnect delay schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultBackoff returns the reconnect schedule: 1s initial, doubling,
// capped at 60s, with jitter so simultaneous reconnects spread out.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	initial := c.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	max := c.MaxDelay
	if max < initial {
		max = initial
	}
	factor := c.Factor
	if factor <= 1.0 {
		factor = 2.0
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt))
	if math.IsInf(delay, 0) || delay > float64(max) {
		delay = float64(max)
	}

	if c.Jitter {
		// Up to 25% extra, still capped at MaxDelay.
		delay += rand.Float64() * delay * 0.25
		if delay > float64(max) {
			delay = float64(max)
		}
	}

	return time.Duration(delay)
}
