// Package throttle provides a token bucket used to cap the rate of outbound
// calls to a single upstream AI service.
package throttle

import (
	"sync"
	"time"
)

// Bucket is a single token bucket. It is safe for concurrent use.
type Bucket struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New creates a Bucket allowing ratePerSecond calls/s with a burst capacity.
// If burst <= 0, it defaults to ratePerSecond, and never below one token.
func New(ratePerSecond, burst float64) *Bucket {
	return newBucket(ratePerSecond, burst, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(ratePerSecond, burst float64, now func() time.Time) *Bucket {
	return newBucket(ratePerSecond, burst, now)
}

func newBucket(rate, burst float64, now func() time.Time) *Bucket {
	if burst <= 0 {
		burst = rate
	}
	burst = max(burst, 1)
	return &Bucket{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

func (b *Bucket) refill(now time.Time) {
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*b.rate, b.burst)
		b.lastRefill = now
	}
}

// Take consumes one token. When none is available it reports false and how
// long until the next token accrues.
func (b *Bucket) Take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.now())
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.rate <= 0 {
		return false, time.Duration(1<<63 - 1)
	}
	missing := 1 - b.tokens
	return false, time.Duration(missing / b.rate * float64(time.Second))
}

// Allow is Take without the wait hint.
func (b *Bucket) Allow() bool {
	ok, _ := b.Take()
	return ok
}
