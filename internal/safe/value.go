// Package safe holds overflow-checked numeric conversions.
package safe

import (
	"math"
)

// Uint64ToInt64 converts an uint64 value to int64, clamping to math.MaxInt64 if overflow
// would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// Delta returns after-before for two monotonic uint64 counters as int64.
// A counter that went backwards (reset) yields a negative delta; values beyond
// the int64 range are clamped.
func Delta(before, after uint64) int64 {
	if after >= before {
		d, _ := Uint64ToInt64(after - before)
		return d
	}
	d, _ := Uint64ToInt64(before - after)
	return -d
}
