package comm

import (
	"math/rand"
	"time"
)

// Default reconnect timing.
const (
	DefaultBackoffBase = 300 * time.Millisecond
	DefaultBackoffCap  = 5 * time.Second
	DefaultMaxAttempts = 10
)

// Structs

// Backoff is the reconnect delay policy of a session: the
// n-th retry waits min(Cap, Base * 2^n) plus a random jitter
// of up to Base. It implements backoff.BackOff so it can
// drive the retry helpers of github.com/cenkalti/backoff.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
	jitter  func(max time.Duration) time.Duration
}

// Functions

// NewBackoff returns a policy starting at base and never
// exceeding cap before jitter. Zero values select defaults.
func NewBackoff(base time.Duration, cap time.Duration) *Backoff {

	if base <= 0 {
		base = DefaultBackoffBase
	}

	if cap < base {
		cap = DefaultBackoffCap
		if cap < base {
			cap = base
		}
	}

	return &Backoff{
		Base:   base,
		Cap:    cap,
		jitter: randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {

	if max <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(max)))
}

// Delay returns the delay before retry n without jitter.
func (b *Backoff) Delay(n int) time.Duration {

	d := b.Base
	for i := 0; i < n; i++ {

		d *= 2
		if d >= b.Cap || d <= 0 {
			return b.Cap
		}
	}

	if d > b.Cap {
		return b.Cap
	}

	return d
}

// NextBackOff returns the delay before the next retry.
func (b *Backoff) NextBackOff() time.Duration {

	d := b.Delay(b.attempt)
	b.attempt++

	return d + b.jitter(b.Base)
}

// Reset starts over at Base. Called after a successful dial.
func (b *Backoff) Reset() {
	b.attempt = 0
}
