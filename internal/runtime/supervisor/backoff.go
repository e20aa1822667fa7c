package supervisor

import (
	"math/rand"
	"time"
)

// Backoff yields exponentially growing waits with 20% jitter.
// It is not safe for concurrent use.
type Backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = 250 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Backoff{min: min, max: max, cur: min}
}

// Next returns the wait for the current attempt and doubles the window.
func (b *Backoff) Next() time.Duration {
	wait := b.cur
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(rand.Int63n(j + 1))
	}
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return wait
}

func (b *Backoff) Reset() { b.cur = b.min }
