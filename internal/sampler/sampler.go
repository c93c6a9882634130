// Package sampler decides which requests get profiled.
package sampler

import (
	"math/rand/v2"
)

// Sampler runs one Bernoulli trial per request start.
type Sampler struct {
	draw func(n int) int
}

// New returns a Sampler backed by the global math/rand/v2 source, which is
// safe for concurrent use.
func New() *Sampler {
	return &Sampler{draw: rand.IntN}
}

// NewWithDraw returns a Sampler using draw, which must return a uniformly
// distributed integer in [0, n).
func NewWithDraw(draw func(n int) int) *Sampler {
	return &Sampler{draw: draw}
}

// Clamp limits a sampling ratio to [0, 100].
func Clamp(ratio int) int {
	switch {
	case ratio < 0:
		return 0
	case ratio > 100:
		return 100
	default:
		return ratio
	}
}

// ShouldSample draws one integer in [1, 100] and reports whether it is at most
// ratio. Ratio 0 never samples, 100 always does. Call it once per start
// decision; drawing again on retry skews the effective rate.
func (s *Sampler) ShouldSample(ratio int) bool {
	return s.draw(100)+1 <= Clamp(ratio)
}
