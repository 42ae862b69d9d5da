package registration

import (
	"math/rand"
	"time"
)

const (
	backoffInitial    = 2 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
)

// backoff implements truncated exponential backoff with jitter, so a fleet
// of agents does not hammer a recovering core API in lockstep.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the delay before the upcoming attempt and advances the
// internal state. The returned value carries ±25% jitter.
func (b *backoff) next() time.Duration {
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1))
	d := b.current + jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
