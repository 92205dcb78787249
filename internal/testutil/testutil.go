// Package testutil holds the time fixtures shared by the stream tests.
package testutil

import "time"

// TimeSeq returns n timestamps starting at start, spaced by step.
func TimeSeq(start time.Time, step time.Duration, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * step)
	}
	return out
}

// TimesAt returns timestamps at the given second offsets from base. Offsets
// may be fractional, repeated or out of order.
func TimesAt(base time.Time, offsets ...float64) []time.Time {
	out := make([]time.Time, len(offsets))
	for i, s := range offsets {
		out[i] = base.Add(time.Duration(s * float64(time.Second)))
	}
	return out
}
