// Package backoff implements the jittered exponential backoff schedule used
// by cluster.Connection while reconnecting (spec.md §4.8).
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes successive reconnect delays: base * 2^attempt, capped at
// max, then scaled by a uniform random jitter in [0.5, 1.5).
type Strategy struct {
	base time.Duration
	max  time.Duration
	rnd  *rand.Rand
}

// New creates a Strategy with the given base delay and cap.
func New(base, max time.Duration) *Strategy {
	return &Strategy{
		base: base,
		max:  max,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the delay to wait before the (attempt+1)-th reconnect try,
// attempt counting consecutive failures starting at 0.
func (s *Strategy) Delay(attempt int) time.Duration {
	raw := float64(s.base) * float64(uint64(1)<<uint(minInt(attempt, 32)))
	if raw > float64(s.max) {
		raw = float64(s.max)
	}
	jitter := 0.5 + s.rnd.Float64()
	return time.Duration(raw * jitter)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
