// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// SecsToDuration converts a floating point number of seconds to a duration,
// rounded to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * float64(time.Second)))
}

// Clamp limits a value to low <= input <= high
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// Linspace returns n evenly spaced values spanning [start, end] inclusive.
// n == 1 returns start, n < 1 returns an empty slice.
func Linspace(start, end float64, n int) []float64 {
	if n < 1 {
		return []float64{}
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (end - start) / float64(n-1)
	for i := 0; i < n; i++ {
		out[i] = start + float64(i)*step
	}
	// land the endpoint exactly
	out[n-1] = end
	return out
}
