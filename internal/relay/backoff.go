package relay

import (
	"math/rand/v2"
	"time"
)

// Backoff produces exponentially growing reconnect delays: base doubled per
// attempt, plus up to Jitter×delay of random extra, capped at Max. Below the
// cap each delay is strictly greater than the previous one for Jitter < 1.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	attempt int
	rand    func() float64
}

// NewBackoff creates a backoff sequence.
func NewBackoff(base, maxDelay time.Duration, jitter float64) *Backoff {
	return &Backoff{Base: base, Max: maxDelay, Jitter: jitter, rand: rand.Float64}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	b.attempt++

	if d >= b.Max {
		return b.Max
	}
	if b.Jitter > 0 {
		d += time.Duration(b.rand() * b.Jitter * float64(d))
	}
	return min(d, b.Max)
}

// Attempt returns how many delays were handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restarts the sequence at Base.
func (b *Backoff) Reset() {
	b.attempt = 0
}
