package client

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoff computes reconnect delays: Initial doubling (or the
// configured multiplier) per attempt, capped at Max, with a random jitter
// fraction so a fleet of clients does not reconnect in lockstep.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff is the reconnect policy used when none is configured.
var DefaultBackoff = ExponentialBackoff{
	Initial:    500 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2.0,
	Jitter:     0.2,
}

// Next returns the delay before reconnect attempt n (zero-based).
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoff.Initial
	}
	max := b.Max
	if max <= 0 {
		max = DefaultBackoff.Max
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = DefaultBackoff.Multiplier
	}

	d := time.Duration(float64(initial) * math.Pow(mult, float64(attempt)))
	if d > max || d <= 0 {
		d = max
	}

	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}
