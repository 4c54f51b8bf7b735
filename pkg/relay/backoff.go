package relay

import (
	"time"

	"lukechampine.com/frand"
)

// Backoff computes exponentially growing reconnect delays with jitter,
// using frand for the jitter draw.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay for the current attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	shift := b.attempt
	if shift > 32 {
		shift = 32
	}
	d := b.Base << shift
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	b.attempt++
	jitter := time.Duration(frand.Intn(int(d/2) + 1))
	return d/2 + jitter
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }
