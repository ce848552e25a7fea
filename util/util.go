// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// SecsToDuration converts a floating point number of seconds, the unit
// instruments speak, to a Duration.
func SecsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
