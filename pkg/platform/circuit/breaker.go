// Package circuit provides a failure-counting circuit breaker with a
// cooldown-gated half-open probe.
//
// Callers check Ready before doing any work that consumes budget, then call
// Allow right before the guarded operation. Outcomes are fed back through
// RecordSuccess and RecordFailure, which report state transitions so the
// caller can log them and update metrics.
package circuit

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// StateChange reports a transition caused by a recorded outcome.
type StateChange struct {
	Opened bool
	Closed bool
}

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 1
	defaultCooldown         = 30 * time.Second
)

// Breaker is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	window           time.Duration
	cooldown         time.Duration
	now              func() time.Time

	state     State
	failures  []time.Time
	successes int
	openedAt  time.Time
	probing   bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the breaker.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many successes close an open breaker.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithWindow only counts failures that happened within d of each other.
// Zero means failures never age out.
func WithWindow(d time.Duration) Option {
	return func(b *Breaker) {
		b.window = d
	}
}

// WithCooldown sets how long the breaker stays open before admitting a probe.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		b.cooldown = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a closed breaker.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
		cooldown:         defaultCooldown,
		now:              time.Now,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether calls should go to a fallback. Half-open counts as open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != StateClosed
}

// Ready reports whether a call would currently be admitted, without claiming
// the half-open probe. When not ready, retryAt is when the cooldown ends.
func (b *Breaker) Ready() (ok bool, retryAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return true, time.Time{}
	}
	reopenAt := b.openedAt.Add(b.cooldown)
	if b.probing || b.now().Before(reopenAt) {
		return false, reopenAt
	}
	return true, time.Time{}
}

// Allow admits a call. While open it admits a single probe once the cooldown
// has passed; concurrent callers are refused until that probe is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return true
	}
	if b.probing || b.now().Before(b.openedAt.Add(b.cooldown)) {
		return false
	}
	b.state = StateHalfOpen
	b.probing = true
	return true
}

// RecordFailure records a failed call. useFallback is true when the breaker
// is open after the failure.
func (b *Breaker) RecordFailure() (useFallback bool, change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.probing = false
	b.successes = 0

	if b.state != StateClosed {
		// A failed probe restarts the cooldown.
		b.state = StateOpen
		b.openedAt = now
		return true, StateChange{}
	}

	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if len(b.failures) >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.failures = b.failures[:0]
		return true, StateChange{Opened: true}
	}
	return false, StateChange{}
}

// RecordSuccess records a successful call. usePrimary is true when the
// breaker is closed after the success.
func (b *Breaker) RecordSuccess() (usePrimary bool, change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == StateClosed {
		b.failures = b.failures[:0]
		return true, StateChange{}
	}

	b.successes++
	if b.successes >= b.successThreshold {
		b.state = StateClosed
		b.successes = 0
		b.failures = b.failures[:0]
		return true, StateChange{Closed: true}
	}
	return false, StateChange{}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = b.failures[:0]
	b.successes = 0
	b.probing = false
	b.openedAt = time.Time{}
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.window <= 0 {
		return
	}
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}
