package fusion

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"
)

// EstimateOffset estimates the clock offset of stream a relative to stream b
// by cross-correlating their reference channels on a shared fixed-rate grid.
//
// Each stream's channels are z-normalized and averaged into one reference
// signal, resampled by linear interpolation onto a grid of gridHz covering
// the overlap of both durations, and correlated at every integer sample lag
// within ±maxLagS. The lag with the highest Pearson correlation wins; ties
// prefer the smaller absolute lag. The result is bestLag/gridHz in seconds:
// positive means a lags b and should be advanced by that amount.
//
// colsA and colsB override the streams' default reference channels when
// non-empty. The search is a bounded brute force over maxLagS*gridHz lags,
// not an FFT, so cost stays proportional to the grid and window sizes the
// caller configured.
func EstimateOffset(a, b StreamSpec, colsA, colsB []string, gridHz, maxLagS float64) (float64, error) {
	if gridHz <= 0 {
		return 0, fmt.Errorf("gridHz must be positive, got %v", gridHz)
	}
	if maxLagS < 0 {
		return 0, fmt.Errorf("maxLagS must be non-negative, got %v", maxLagS)
	}
	if len(colsA) == 0 {
		colsA = a.RefChannels
	}
	if len(colsB) == 0 {
		colsB = b.RefChannels
	}
	if len(colsA) == 0 {
		return 0, fmt.Errorf("%s: %w: no reference channels configured", a.Name, ErrNoUsableReference)
	}
	if len(colsB) == 0 {
		return 0, fmt.Errorf("%s: %w: no reference channels configured", b.Name, ErrNoUsableReference)
	}

	xsA, ysA, err := referenceSignal(a, colsA)
	if err != nil {
		return 0, err
	}
	xsB, ysB, err := referenceSignal(b, colsB)
	if err != nil {
		return 0, err
	}

	// Durations are relative to each stream's own first sample, so the
	// correlation window is the span both streams cover.
	duration := math.Min(xsA[len(xsA)-1], xsB[len(xsB)-1])
	if duration <= 0 {
		return 0, ErrNoOverlap
	}

	step := 1.0 / gridHz
	n := int(math.Ceil((duration + step) / step))
	if n < 2 {
		return 0, ErrNoOverlap
	}

	gridA, err := resample(xsA, ysA, step, n)
	if err != nil {
		return 0, fmt.Errorf("%s: resample reference signal: %w", a.Name, err)
	}
	gridB, err := resample(xsB, ysB, step, n)
	if err != nil {
		return 0, fmt.Errorf("%s: resample reference signal: %w", b.Name, err)
	}

	if err := normalize(gridA); err != nil {
		return 0, fmt.Errorf("%s: %w", a.Name, err)
	}
	if err := normalize(gridB); err != nil {
		return 0, fmt.Errorf("%s: %w", b.Name, err)
	}

	maxShift := int(math.Round(maxLagS * gridHz))
	if maxShift > n-1 {
		maxShift = n - 1
	}

	bestLag := 0
	bestCorr := math.Inf(-1)
	for lag := -maxShift; lag <= maxShift; lag++ {
		var x, y []float64
		switch {
		case lag > 0:
			x = gridA[lag:]
			y = gridB[:n-lag]
		case lag < 0:
			shift := -lag
			x = gridA[:n-shift]
			y = gridB[shift:]
		default:
			x = gridA
			y = gridB
		}
		if len(x) < 2 {
			continue
		}
		corr := stat.Correlation(x, y, nil)
		if math.IsNaN(corr) {
			continue
		}
		if corr > bestCorr || (nearlyEqual(corr, bestCorr) && abs(lag) < abs(bestLag)) {
			bestCorr = corr
			bestLag = lag
		}
	}

	return float64(bestLag) / gridHz, nil
}

// referenceSignal aggregates the stream's reference channels into a single
// signal: each channel is standardized to zero mean and unit variance over
// its non-NaN values (absent or constant channels are dropped), the
// standardized channels are averaged per row, rows with no surviving value
// are dropped, and duplicate timestamps keep their first sample. The
// returned xs are seconds relative to the signal's first timestamp.
func referenceSignal(spec StreamSpec, channels []string) (xs, ys []float64, err error) {
	sp, times, err := synthesizeForEstimate(spec)
	if err != nil {
		return nil, nil, err
	}

	var zscores [][]float64
	for _, name := range channels {
		col, ok := sp.Table.Column(name)
		if !ok {
			continue
		}
		var finite []float64
		for _, v := range col {
			if !math.IsNaN(v) {
				finite = append(finite, v)
			}
		}
		if len(finite) == 0 {
			continue
		}
		mean := stat.Mean(finite, nil)
		std := stat.StdDev(finite, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		z := make([]float64, len(col))
		for i, v := range col {
			if math.IsNaN(v) {
				z[i] = math.NaN()
			} else {
				z[i] = (v - mean) / std
			}
		}
		zscores = append(zscores, z)
	}
	if len(zscores) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", spec.Name, ErrNoUsableReference)
	}

	type sample struct {
		t time.Time
		v float64
	}
	samples := make([]sample, 0, len(times))
	for i := range times {
		sum, count := 0.0, 0
		for _, z := range zscores {
			if !math.IsNaN(z[i]) {
				sum += z[i]
				count++
			}
		}
		if count == 0 {
			continue
		}
		samples = append(samples, sample{t: times[i], v: sum / float64(count)})
	}

	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].t.Before(samples[j].t)
	})

	// Duplicate timestamps keep the first sample.
	deduped := samples[:0]
	for i, s := range samples {
		if i > 0 && s.t.Equal(deduped[len(deduped)-1].t) {
			continue
		}
		deduped = append(deduped, s)
	}

	if len(deduped) < 2 {
		return nil, nil, fmt.Errorf("%s: %w: fewer than two samples", spec.Name, ErrNoUsableReference)
	}

	xs = make([]float64, len(deduped))
	ys = make([]float64, len(deduped))
	for i, s := range deduped {
		xs[i] = s.t.Sub(deduped[0].t).Seconds()
		ys[i] = s.v
	}
	return xs, ys, nil
}

// synthesizeForEstimate synthesizes a stream for correlation purposes. A
// counter-derived stream without an origin gets a provisional epoch origin:
// the correlation works in each stream's relative time frame, so the
// absolute origin does not affect the estimate.
func synthesizeForEstimate(spec StreamSpec) (StreamSpec, []time.Time, error) {
	if spec.Table != nil && spec.Origin.IsZero() && spec.CounterCol != "" &&
		!rawUsable(spec.Table.RawTimes()) && !spec.Table.HasTimes() {
		spec.Origin = time.Unix(0, 0).UTC()
	}
	return Synthesize(spec)
}

// resample evaluates the piecewise-linear interpolant of (xs, ys) at n grid
// points spaced step apart, clamping to the end values outside the fitted
// range.
func resample(xs, ys []float64, step float64, n int) ([]float64, error) {
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, err
	}
	last := len(xs) - 1
	out := make([]float64, n)
	for k := range out {
		t := float64(k) * step
		switch {
		case t <= xs[0]:
			out[k] = ys[0]
		case t >= xs[last]:
			out[k] = ys[last]
		default:
			out[k] = pl.Predict(t)
		}
	}
	return out, nil
}

// normalize standardizes vals in place to zero mean and unit variance.
func normalize(vals []float64) error {
	mean := stat.Mean(vals, nil)
	floats.AddConst(-mean, vals)
	std := stat.StdDev(vals, nil)
	if std == 0 || math.IsNaN(std) {
		return ErrZeroVariance
	}
	floats.Scale(1/std, vals)
	return nil
}

// nearlyEqual reports whether two correlations are equal within the
// tolerance used for lag tie-breaking.
func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-8+1e-5*math.Abs(b)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
