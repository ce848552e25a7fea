// Package mathx provides the small numeric helpers shared by the
// measurement engines.
package mathx

import "math"

// Mean returns the arithmetic mean of v, or 0 for an empty slice.
func Mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// Std returns the sample standard deviation of v with Bessel's
// correction (divide by N-1).  A single sample has no spread estimate,
// so slices shorter than two elements return 0 rather than dividing
// by zero.
func Std(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	m := Mean(v)
	ss := 0.
	for _, x := range v {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(v)-1))
}

// Max returns the largest element of v, or 0 for an empty slice.
func Max(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	return max
}
