// Package fusion aligns asynchronous telemetry streams onto a shared UTC
// timeline. It synthesizes per-stream timestamps, estimates clock offsets
// between streams by cross-correlating their reference channels, and joins
// secondary streams onto a reference stream with nearest-match semantics.
package fusion

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
)

// Sentinel errors for the synthesis and estimation stages. Callers match
// them with errors.Is; the wrapped message carries the stream name.
var (
	ErrTimestampParse    = errors.New("unable to parse timestamps")
	ErrMissingTimingInfo = errors.New("missing timestamp column and counter/rate/origin information")
	ErrNoUsableReference = errors.New("no usable reference signal for correlation")
	ErrNoOverlap         = errors.New("streams do not share overlapping duration for correlation")
	ErrZeroVariance      = errors.New("interpolated signal has zero variance")
)

// StreamSpec describes one input stream. Specs are value objects: pipeline
// stages return updated copies and never mutate their input, so a spec can
// be re-synthesized from its original timing source at any point.
type StreamSpec struct {
	// Name identifies the stream and suffixes its columns after fusion.
	Name string

	// Table holds the stream's samples. Timestamp-native streams carry
	// raw timestamp text (or already-parsed times); counter-derived
	// streams carry a counter channel instead.
	Table *telemetry.Table

	// CounterCol names the monotonic counter channel for counter-derived
	// streams.
	CounterCol string

	// RateHz is the fixed sample rate for counter-derived streams.
	RateHz float64

	// Origin is the absolute time of counter value counter[0]. The zero
	// value means unset.
	Origin time.Time

	// ClockOffset is added to every synthesized timestamp, in seconds.
	// It may be negative.
	ClockOffset float64

	// RefChannels are the default channels used when estimating this
	// stream's clock offset against another stream.
	RefChannels []string
}

// Synthesize ensures the stream exposes a canonical UTC timestamp column.
//
// Timestamp-native streams have every raw value parsed to UTC (values
// without a zone are assumed UTC); any unparseable value fails with
// ErrTimestampParse. Counter-derived streams require a counter channel, a
// positive sample rate and an origin, and compute
// origin + (counter[i]-counter[0])/rate; anything missing fails with
// ErrMissingTimingInfo. The stream's clock offset is added after either
// path.
//
// The input spec is not modified: the returned spec carries a copy of the
// table with the timestamp column written back, so re-synthesizing after a
// clock-offset change always starts from the original timing source.
func Synthesize(spec StreamSpec) (StreamSpec, []time.Time, error) {
	if spec.Table == nil {
		return spec, nil, fmt.Errorf("%s: %w", spec.Name, ErrMissingTimingInfo)
	}

	out := spec
	out.Table = spec.Table.Clone()

	var times []time.Time
	switch {
	case rawUsable(out.Table.RawTimes()):
		raw := out.Table.RawTimes()
		times = make([]time.Time, len(raw))
		for i, s := range raw {
			ts, err := ParseTimestamp(s)
			if err != nil {
				return spec, nil, fmt.Errorf("%s: %w: %q at row %d", spec.Name, ErrTimestampParse, s, i)
			}
			times[i] = ts
		}
	case out.Table.HasTimes():
		src := out.Table.Times()
		times = make([]time.Time, len(src))
		copy(times, src)
	default:
		var err error
		times, err = counterTimes(out)
		if err != nil {
			return spec, nil, err
		}
	}

	if spec.ClockOffset != 0 {
		offset := secondsToDuration(spec.ClockOffset)
		for i := range times {
			times[i] = times[i].Add(offset)
		}
	}

	if err := out.Table.SetTimes(times); err != nil {
		return spec, nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	return out, times, nil
}

func rawUsable(raw []string) bool {
	for _, s := range raw {
		if s != "" {
			return true
		}
	}
	return false
}

func counterTimes(spec StreamSpec) ([]time.Time, error) {
	if spec.CounterCol == "" || spec.RateHz <= 0 || spec.Origin.IsZero() {
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrMissingTimingInfo)
	}
	counter, ok := spec.Table.Column(spec.CounterCol)
	if !ok {
		return nil, fmt.Errorf("%s: %w: counter column %q not present", spec.Name, ErrMissingTimingInfo, spec.CounterCol)
	}
	times := make([]time.Time, len(counter))
	if len(counter) == 0 {
		return times, nil
	}
	origin := spec.Origin.UTC()
	c0 := counter[0]
	for i, c := range counter {
		if math.IsNaN(c) {
			return nil, fmt.Errorf("%s: %w: counter column %q has a non-numeric value at row %d", spec.Name, ErrMissingTimingInfo, spec.CounterCol, i)
		}
		times[i] = origin.Add(secondsToDuration((c - c0) / spec.RateHz))
	}
	return times, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// timestampLayouts are tried in order when parsing raw timestamp text.
// Layouts without a zone indicator parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses one raw timestamp value the way Synthesize does:
// RFC 3339 with or without sub-second digits, optionally with a space
// instead of the T separator, optionally zoneless. The result is UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
