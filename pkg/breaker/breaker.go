// Package breaker implements the fast-fail gate used per connection:
// closed -> open after a run of failures, open -> half-open after a cool-down,
// half-open -> closed on the first successful trial.
package breaker

import (
	"sync"
	"time"
)

const (
	// DefaultThreshold is the number of consecutive failures that opens the breaker.
	DefaultThreshold = 3
	// DefaultCooldown is how long an open breaker rejects attempts.
	DefaultCooldown = 30 * time.Second
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state      State
	failures   int
	openUntil  time.Time
	trialTaken bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New returns a closed breaker. Non-positive arguments fall back to the defaults.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether an attempt may proceed. Once the cool-down has elapsed
// exactly one caller is admitted as the half-open trial until it reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Before(b.openUntil) {
			return false
		}
		b.state = HalfOpen
		b.trialTaken = true
		return true
	case HalfOpen:
		if b.trialTaken {
			return false
		}
		b.trialTaken = true
		return true
	}
	return false
}

// Success closes the breaker and clears the failure run.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// Failure records a failed attempt. A failed half-open trial reopens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.openLocked()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openLocked()
	}
}

// Release hands back an admitted attempt that produced no verdict, such as one
// cancelled by the caller, so a half-open breaker can admit a new trial.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.trialTaken = false
	}
}

// Reset closes the breaker. A freshly established connection is positive
// evidence and may call this even while the breaker is open.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// State returns the current position, reporting an expired open breaker as half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && !b.now().Before(b.openUntil) {
		return HalfOpen
	}
	return b.state
}

// OpenUntil returns the end of the current cool-down, zero when not open.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return time.Time{}
	}
	return b.openUntil
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) openLocked() {
	b.state = Open
	b.openUntil = b.now().Add(b.cooldown)
	b.trialTaken = false
}

func (b *Breaker) closeLocked() {
	b.state = Closed
	b.failures = 0
	b.openUntil = time.Time{}
	b.trialTaken = false
}
