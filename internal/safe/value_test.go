package safe

import (
	"math"
	"testing"
)

func TestUint64ToInt64(t *testing.T) {
	tests := []struct {
		name            string
		input           uint64
		expectedValue   int64
		expectedClamped bool
	}{
		{name: "zero value", input: 0, expectedValue: 0},
		{name: "small positive value", input: 12345, expectedValue: 12345},
		{name: "max int64 value", input: math.MaxInt64, expectedValue: math.MaxInt64},
		{name: "max int64 plus one (overflow)", input: math.MaxInt64 + 1, expectedValue: math.MaxInt64, expectedClamped: true},
		{name: "max uint64 value (overflow)", input: math.MaxUint64, expectedValue: math.MaxInt64, expectedClamped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped := Uint64ToInt64(tt.input)
			if got != tt.expectedValue {
				t.Errorf("Uint64ToInt64(%d) value = %d, want %d", tt.input, got, tt.expectedValue)
			}
			if clamped != tt.expectedClamped {
				t.Errorf("Uint64ToInt64(%d) clamped = %v, want %v", tt.input, clamped, tt.expectedClamped)
			}
		})
	}
}

func TestDelta(t *testing.T) {
	if got := Delta(100, 250); got != 150 {
		t.Errorf("Delta(100, 250) = %d, want 150", got)
	}
	if got := Delta(250, 100); got != -150 {
		t.Errorf("Delta(250, 100) = %d, want -150", got)
	}
	if got := Delta(0, math.MaxUint64); got != math.MaxInt64 {
		t.Errorf("Delta(0, MaxUint64) = %d, want MaxInt64", got)
	}
}
