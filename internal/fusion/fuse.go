package fusion

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/monitoring"
	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
)

// Direction selects which side of a reference timestamp a secondary sample
// may be matched from.
type Direction string

const (
	// DirectionNearest matches the closest secondary sample on either side.
	DirectionNearest Direction = "nearest"
	// DirectionForward matches the closest secondary sample at or after.
	DirectionForward Direction = "forward"
	// DirectionBackward matches the closest secondary sample at or before.
	DirectionBackward Direction = "backward"
)

// Default offset-estimation bounds applied when an Options field is zero.
const (
	DefaultGridHz  = 10.0
	DefaultMaxLagS = 5.0
)

// Options configures a fusion run. The zero value selects a nearest join
// with no tolerance and the standard correlation grid.
type Options struct {
	// EstimateOffsets runs the offset estimator for every secondary
	// stream and adds the estimate to that stream's clock offset before
	// joining.
	EstimateOffsets bool

	// SecondaryRefChannels and ReferenceRefChannels override the streams'
	// default reference channels during offset estimation.
	SecondaryRefChannels []string
	ReferenceRefChannels []string

	// GridHz and MaxLagS bound the offset estimator's resample grid and
	// lag search window. Zero selects the defaults (10 Hz, 5 s).
	GridHz  float64
	MaxLagS float64

	// Direction selects the join semantics. Empty selects nearest.
	Direction Direction

	// ToleranceS is the maximum timestamp distance, in seconds, for a
	// secondary sample to match a reference row. Zero or negative
	// disables the limit. Rows without a match within tolerance keep NaN
	// for that stream's columns; they are never dropped.
	ToleranceS float64
}

func (o Options) withDefaults() Options {
	if o.GridHz == 0 {
		o.GridHz = DefaultGridHz
	}
	if o.MaxLagS == 0 {
		o.MaxLagS = DefaultMaxLagS
	}
	if o.Direction == "" {
		o.Direction = DirectionNearest
	}
	return o
}

// Fuse joins the secondary streams onto the reference stream's timeline.
//
// Every stream is synthesized first. When offset estimation is enabled, each
// secondary's estimated offset is added to its clock offset and the stream
// is re-synthesized from its original timing source; a secondary without an
// origin derives one from the reference's first timestamp minus its updated
// clock offset.
//
// The fused table's rows follow the reference stream: one row per reference
// sample, in timestamp order, regardless of secondary lengths or tolerance.
// Secondary columns are suffixed with "_<name>"; reference columns keep
// their names. The returned specs are the synthesized reference followed by
// the synthesized secondaries, carrying any updated offsets and origins.
func Fuse(ref StreamSpec, secondaries []StreamSpec, opts Options) (*telemetry.Table, []StreamSpec, error) {
	opts = opts.withDefaults()
	switch opts.Direction {
	case DirectionNearest, DirectionForward, DirectionBackward:
	default:
		return nil, nil, fmt.Errorf("unknown join direction %q", opts.Direction)
	}

	refSpec, _, err := Synthesize(ref)
	if err != nil {
		return nil, nil, err
	}
	refTab := refSpec.Table
	if err := refTab.SortByTime(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", refSpec.Name, err)
	}

	fused := telemetry.NewTable()
	refTimes := refTab.Times()
	times := make([]time.Time, len(refTimes))
	copy(times, refTimes)
	if err := fused.SetTimes(times); err != nil {
		return nil, nil, err
	}
	for _, name := range refTab.ColumnNames() {
		src, _ := refTab.Column(name)
		dst := make([]float64, len(src))
		copy(dst, src)
		if err := fused.AddColumn(name, dst); err != nil {
			return nil, nil, err
		}
	}

	specs := make([]StreamSpec, 0, len(secondaries)+1)
	specs = append(specs, refSpec)

	for _, sec := range secondaries {
		spec := sec
		if opts.EstimateOffsets {
			offset, err := EstimateOffset(spec, ref, opts.SecondaryRefChannels, opts.ReferenceRefChannels, opts.GridHz, opts.MaxLagS)
			if err != nil {
				return nil, nil, fmt.Errorf("estimate offset for %s: %w", spec.Name, err)
			}
			spec.ClockOffset += offset
			monitoring.Logf("fusion: %s clock offset %+.3fs (estimated %+.3fs)", spec.Name, spec.ClockOffset, offset)

			if spec.Origin.IsZero() && len(refTimes) > 0 {
				spec.Origin = refTimes[0].Add(-secondsToDuration(spec.ClockOffset))
			}
		}

		secSpec, _, err := Synthesize(spec)
		if err != nil {
			return nil, nil, err
		}
		secTab := secSpec.Table
		if err := secTab.SortByTime(); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", secSpec.Name, err)
		}

		if err := joinSecondary(fused, secTab, secSpec.Name, opts); err != nil {
			return nil, nil, fmt.Errorf("join %s: %w", secSpec.Name, err)
		}
		specs = append(specs, secSpec)
	}

	return fused, specs, nil
}

func joinSecondary(fused, sec *telemetry.Table, name string, opts Options) error {
	idx := matchIndices(fused.Times(), sec.Times(), opts.Direction, opts.ToleranceS)

	suffix := ""
	if name != "" {
		suffix = "_" + name
	}
	for _, col := range sec.ColumnNames() {
		src, _ := sec.Column(col)
		out := make([]float64, fused.Len())
		for i, j := range idx {
			if j < 0 {
				out[i] = math.NaN()
			} else {
				out[i] = src[j]
			}
		}
		if err := fused.AddColumn(col+suffix, out); err != nil {
			return err
		}
	}
	return nil
}

// matchIndices returns, for every reference timestamp, the index of the
// matched secondary sample or -1. Both slices must be sorted ascending.
// Equidistant nearest candidates resolve to the earlier sample.
func matchIndices(ref, sec []time.Time, dir Direction, tolS float64) []int {
	idx := make([]int, len(ref))
	var tol time.Duration
	hasTol := tolS > 0
	if hasTol {
		tol = secondsToDuration(tolS)
	}

	within := func(d time.Duration) bool {
		if d < 0 {
			d = -d
		}
		return !hasTol || d <= tol
	}

	for i, rt := range ref {
		firstGE := sort.Search(len(sec), func(k int) bool { return !sec[k].Before(rt) })
		firstGT := sort.Search(len(sec), func(k int) bool { return sec[k].After(rt) })
		lastLE := firstGT - 1

		j := -1
		switch dir {
		case DirectionBackward:
			if lastLE >= 0 && within(rt.Sub(sec[lastLE])) {
				j = lastLE
			}
		case DirectionForward:
			if firstGE < len(sec) && within(sec[firstGE].Sub(rt)) {
				j = firstGE
			}
		default: // nearest
			switch {
			case lastLE < 0 && firstGE >= len(sec):
			case lastLE < 0:
				if within(sec[firstGE].Sub(rt)) {
					j = firstGE
				}
			case firstGE >= len(sec):
				if within(rt.Sub(sec[lastLE])) {
					j = lastLE
				}
			default:
				dBack := rt.Sub(sec[lastLE])
				dFwd := sec[firstGE].Sub(rt)
				if dBack <= dFwd {
					if within(dBack) {
						j = lastLE
					}
				} else if within(dFwd) {
					j = firstGE
				}
			}
		}
		idx[i] = j
	}
	return idx
}

// PromoteChannels copies suffixed secondary-stream columns onto their bare
// channel names so downstream consumers can address canonical channels
// without knowing which stream supplied them. For each requested channel
// absent from tab, the candidates <channel>_<stream> are tried in spec
// order and the first match is copied. Existing columns are never
// overwritten.
func PromoteChannels(tab *telemetry.Table, specs []StreamSpec, channels []string) error {
	for _, ch := range channels {
		if ch == "" || ch == telemetry.TimeColumn || tab.HasColumn(ch) {
			continue
		}
		for _, spec := range specs {
			if spec.Name == "" {
				continue
			}
			src, ok := tab.Column(ch + "_" + spec.Name)
			if !ok {
				continue
			}
			vals := make([]float64, len(src))
			copy(vals, src)
			if err := tab.AddColumn(ch, vals); err != nil {
				return fmt.Errorf("promote %s: %w", ch, err)
			}
			break
		}
	}
	return nil
}
