// Package gapfill resolves missing values in evenly spaced daily series.
//
// The fill order is fixed: linear interpolation between valid neighbours,
// then forward fill, then backward fill. A series with no valid value at all
// is left untouched.
package gapfill

import "math"

// Fill applies the three passes in order and reports whether the series
// ended up fully populated.
func Fill(s []float64) bool {
	Interpolate(s)
	ForwardFill(s)
	BackwardFill(s)
	return Complete(s)
}

// Interpolate replaces interior runs of NaN with values on the straight line
// between the valid points on either side. Leading and trailing runs are left
// for the fill passes.
func Interpolate(s []float64) {
	prev := -1
	for i, v := range s {
		if math.IsNaN(v) {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			lo, hi := s[prev], v
			span := float64(i - prev)
			for j := prev + 1; j < i; j++ {
				s[j] = lo + (hi-lo)*float64(j-prev)/span
			}
		}
		prev = i
	}
}

// ForwardFill carries the last valid value forward over NaNs.
func ForwardFill(s []float64) {
	last := math.NaN()
	for i, v := range s {
		if math.IsNaN(v) {
			s[i] = last
			continue
		}
		last = v
	}
}

// BackwardFill carries the next valid value backward over NaNs.
func BackwardFill(s []float64) {
	next := math.NaN()
	for i := len(s) - 1; i >= 0; i-- {
		if math.IsNaN(s[i]) {
			s[i] = next
			continue
		}
		next = s[i]
	}
}

// Complete reports whether s holds no NaN.
func Complete(s []float64) bool {
	for _, v := range s {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}
