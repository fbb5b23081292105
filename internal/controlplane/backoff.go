package controlplane

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before the next deployment attempt.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff returns the deployment retry defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   2 * time.Second,
		Max:    2 * time.Minute,
		Factor: 2.0,
		Jitter: 0.1,
	}
}

// Next returns the delay after the given failed attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	limit := b.Max
	if limit < base {
		limit = base
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := base
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next >= limit {
			wait = limit
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
