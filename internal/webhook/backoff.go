package webhook

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes retry delays: initial * 2^(attempt-1), capped at the
// maximum interval, with jitter.
type Backoff struct {
	initial    time.Duration
	maxDelay   time.Duration
	randomness float64
}

// NewBackoff uses ±50% jitter.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	return &Backoff{initial: initial, maxDelay: maxDelay, randomness: backoff.DefaultRandomizationFactor}
}

// WithJitter returns a copy using the given randomization factor; 0 disables jitter.
func (b *Backoff) WithJitter(factor float64) *Backoff {
	cp := *b
	cp.randomness = factor
	return &cp
}

// Delay returns the wait after the given failed attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.initial
	eb.MaxInterval = b.maxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = b.randomness
	eb.MaxElapsedTime = 0
	eb.Reset()

	d := b.initial
	for range max(attempt, 1) {
		d = eb.NextBackOff()
	}
	return d
}
