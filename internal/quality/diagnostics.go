package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/monitoring"
	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
)

// speedColumns are tried in order when looking for the vehicle speed
// channel on the fused table.
var speedColumns = []string{"veh_speed_m_s", "speed_m_s"}

// Run checks the fused table and the optional source streams, repairs
// small timeline gaps, and returns the (possibly extended) working table
// with the report. The input table is never modified.
//
// Checks degrade instead of failing: a missing channel or an inestimable
// sampling rate produces a warn-level check, not an error. The only error
// is a fused table without a timestamp column.
func Run(fused *telemetry.Table, streams []Stream, opts Options) (*telemetry.Table, *Report, error) {
	if fused == nil || !fused.HasTimes() {
		return nil, nil, fmt.Errorf("fused: %w", telemetry.ErrNoTimestamps)
	}
	opts = opts.withDefaults()

	working := fused.Clone()
	timeline := working.Times()

	var checks []CheckResult
	checks = append(checks, timelineChecks(timeline, opts)...)

	spans := []RepairedSpan{}
	rate := estimateRateS(timeline)
	if !opts.DisableGapRepair && isFinite(rate) && rate > 0 {
		repaired, rs, err := repairSmallGaps(working, rate, opts.RepairThresholdS)
		if err != nil {
			return nil, nil, err
		}
		working = repaired
		spans = append(spans, rs...)
		if len(rs) > 0 {
			monitoring.Logf("quality: repaired %d timeline gap(s), %d row(s) inserted", len(rs), working.Len()-fused.Len())
		}
	}

	checks = append(checks, speedCheck(working, opts.SpeedSpikeMPS, opts.SpeedChannels))
	if working.HasColumn("lat") && working.HasColumn("lon") {
		checks = append(checks, teleportCheck(working, opts.GPSTeleportM))
	}

	for _, stream := range streams {
		checks = append(checks, streamChecks(stream, opts.StreamTolerance)...)
	}

	summary := map[string]int{
		string(LevelPass): 0,
		string(LevelWarn): 0,
		string(LevelFail): 0,
	}
	for _, check := range checks {
		summary[string(check.Level)]++
	}

	return working, &Report{Checks: checks, Summary: summary, RepairedSpans: spans}, nil
}

// timelineChecks covers validity, ordering, sampling cadence, gaps and
// duplicates of the fused timeline, in that order.
func timelineChecks(timeline []time.Time, opts Options) []CheckResult {
	var checks []CheckResult

	if invalid := invalidCount(timeline); invalid > 0 {
		checks = append(checks, CheckResult{
			ID:      "fused_ts_invalid",
			Level:   LevelFail,
			Title:   "Invalid timestamps",
			Details: fmt.Sprintf("%d rows contain unparseable timestamps.", invalid),
			Count:   invalid,
			Subject: "Fused",
		})
	}

	if isMonotonic(timeline) {
		checks = append(checks, CheckResult{
			ID:      "fused_ts_monotonic",
			Level:   LevelPass,
			Title:   "Monotonic timeline",
			Details: "Fused timestamps are in ascending order.",
			Subject: "Fused",
		})
	} else {
		checks = append(checks, CheckResult{
			ID:      "fused_ts_non_monotonic",
			Level:   LevelFail,
			Title:   "Non-monotonic timeline",
			Details: "Detected out-of-order timestamps in fused dataframe.",
			Subject: "Fused",
		})
	}

	rate := estimateRateS(timeline)
	if isFinite(rate) {
		checks = append(checks, CheckResult{
			ID:      "fused_sampling_rate",
			Level:   LevelPass,
			Title:   fmt.Sprintf("Sampling rate ~%.3f s", rate),
			Details: "Median interval across fused samples.",
			Subject: "Fused",
		})
		pct := int(opts.FusedTolerance * 100)
		if outliers := countOutliers(positiveDiffs(timeline), rate, opts.FusedTolerance); outliers > 0 {
			checks = append(checks, CheckResult{
				ID:      "fused_sampling_irregular",
				Level:   LevelWarn,
				Title:   "Irregular sampling cadence",
				Details: fmt.Sprintf("%d intervals deviate more than %d%% from the median %.3fs.", outliers, pct, rate),
				Count:   outliers,
				Subject: "Fused",
			})
		} else {
			checks = append(checks, CheckResult{
				ID:      "fused_sampling_uniform",
				Level:   LevelPass,
				Title:   "Consistent sampling cadence",
				Details: fmt.Sprintf("Intervals within ±%d%% of median %.3fs.", pct, rate),
				Subject: "Fused",
			})
		}
	} else {
		checks = append(checks, CheckResult{
			ID:      "fused_sampling_rate",
			Level:   LevelWarn,
			Title:   "Sampling rate unknown",
			Details: "Not enough fused samples to estimate cadence.",
			Subject: "Fused",
		})
	}

	if gaps := gapCount(timeline, opts.GapThresholdS); gaps > 0 {
		checks = append(checks, CheckResult{
			ID:      "fused_gaps",
			Level:   LevelWarn,
			Title:   "Timeline gaps detected",
			Details: fmt.Sprintf("Found %d gaps exceeding %.1f s.", gaps, opts.GapThresholdS),
			Count:   gaps,
			Subject: "Fused",
		})
	} else {
		checks = append(checks, CheckResult{
			ID:      "fused_gaps_none",
			Level:   LevelPass,
			Title:   "No large gaps",
			Details: "No gaps exceeded the configured threshold.",
			Subject: "Fused",
		})
	}

	if duplicates := duplicateCount(timeline); duplicates > 0 {
		checks = append(checks, CheckResult{
			ID:      "fused_duplicates",
			Level:   LevelWarn,
			Title:   "Duplicate timestamps",
			Details: fmt.Sprintf("%d duplicate timestamp rows detected.", duplicates),
			Count:   duplicates,
			Subject: "Fused",
		})
	} else {
		checks = append(checks, CheckResult{
			ID:      "fused_duplicates_none",
			Level:   LevelPass,
			Title:   "No duplicate timestamps",
			Details: "All fused timestamps are unique.",
			Subject: "Fused",
		})
	}

	return checks
}

func speedCheck(tab *telemetry.Table, spikeMPS float64, channels []string) CheckResult {
	var speed []float64
	for _, name := range channels {
		if col, ok := tab.Column(name); ok {
			speed = col
			break
		}
	}

	spikes := 0
	for _, v := range speed {
		if v > spikeMPS {
			spikes++
		}
	}
	if spikes > 0 {
		return CheckResult{
			ID:      "fused_speed_spikes",
			Level:   LevelWarn,
			Title:   "Speed spikes detected",
			Details: fmt.Sprintf("%d samples exceed %.1f m/s.", spikes, spikeMPS),
			Count:   spikes,
			Subject: "Fused",
		}
	}
	return CheckResult{
		ID:      "fused_speed_ok",
		Level:   LevelPass,
		Title:   "No excessive speed spikes",
		Details: fmt.Sprintf("All samples below %.1f m/s.", spikeMPS),
		Subject: "Fused",
	}
}

func teleportCheck(tab *telemetry.Table, teleportM float64) CheckResult {
	lat, _ := tab.Column("lat")
	lon, _ := tab.Column("lon")
	timeline := tab.Times()

	count := 0
	for i := 1; i < len(timeline); i++ {
		prev, curr := timeline[i-1], timeline[i]
		if prev.IsZero() || curr.IsZero() {
			continue
		}
		dt := curr.Sub(prev).Seconds()
		if !isFinite(dt) || dt <= 0 {
			continue
		}
		if haversineM(lat[i-1], lon[i-1], lat[i], lon[i]) > teleportM {
			count++
		}
	}
	if count > 0 {
		return CheckResult{
			ID:      "fused_gps_teleport",
			Level:   LevelWarn,
			Title:   "GPS jumps detected",
			Details: fmt.Sprintf("%d intervals exceed %.0f m.", count, teleportM),
			Count:   count,
			Subject: "Fused",
		}
	}
	return CheckResult{
		ID:      "fused_gps_ok",
		Level:   LevelPass,
		Title:   "No GPS jumps",
		Details: fmt.Sprintf("All GPS transitions within %.0f m.", teleportM),
		Subject: "Fused",
	}
}

// streamChecks runs the timeline checks for a single source stream. A
// stream without samples or timestamps yields a single warn-level check.
func streamChecks(stream Stream, tolerance float64) []CheckResult {
	subject := strings.ToUpper(stream.Name)
	tab := stream.Table
	if tab == nil || tab.Len() == 0 || !tab.HasTimes() {
		return []CheckResult{{
			ID:      "stream_missing_" + stream.Name,
			Level:   LevelWarn,
			Title:   fmt.Sprintf("%s stream unavailable", subject),
			Details: "No samples found for this stream.",
			Subject: subject,
		}}
	}

	timeline := tab.Times()
	var checks []CheckResult

	if invalid := invalidCount(timeline); invalid > 0 {
		checks = append(checks, CheckResult{
			ID:      "stream_ts_invalid_" + stream.Name,
			Level:   LevelFail,
			Title:   fmt.Sprintf("Invalid timestamps (%s)", subject),
			Details: fmt.Sprintf("%d samples could not be parsed as timestamps.", invalid),
			Count:   invalid,
			Subject: subject,
		})
	}

	if isMonotonic(timeline) {
		checks = append(checks, CheckResult{
			ID:      "stream_ts_monotonic_" + stream.Name,
			Level:   LevelPass,
			Title:   fmt.Sprintf("Monotonic timeline (%s)", subject),
			Details: "Timestamps are sorted in ascending order.",
			Subject: subject,
		})
	} else {
		checks = append(checks, CheckResult{
			ID:      "stream_ts_non_monotonic_" + stream.Name,
			Level:   LevelFail,
			Title:   fmt.Sprintf("Non-monotonic timeline (%s)", subject),
			Details: "Detected out-of-order timestamps.",
			Subject: subject,
		})
	}

	diffs := positiveDiffs(timeline)
	if len(diffs) == 0 {
		checks = append(checks, CheckResult{
			ID:      "stream_sampling_" + stream.Name,
			Level:   LevelWarn,
			Title:   fmt.Sprintf("Sampling rate unknown (%s)", subject),
			Details: "Not enough samples to estimate frequency.",
			Subject: subject,
		})
	} else {
		med := medianOf(diffs)
		checks = append(checks, CheckResult{
			ID:      "stream_sampling_" + stream.Name,
			Level:   LevelPass,
			Title:   fmt.Sprintf("Sampling rate ~%.3f s (%s)", med, subject),
			Details: "Median interval computed from stream timestamps.",
			Subject: subject,
		})
		pct := int(tolerance * 100)
		if outliers := countOutliers(diffs, med, tolerance); outliers > 0 {
			checks = append(checks, CheckResult{
				ID:      "stream_uniformity_" + stream.Name,
				Level:   LevelWarn,
				Title:   fmt.Sprintf("Irregular sampling (%s)", subject),
				Details: fmt.Sprintf("%d intervals deviate more than %d%% from the median %.3fs.", outliers, pct, med),
				Count:   outliers,
				Subject: subject,
			})
		} else {
			checks = append(checks, CheckResult{
				ID:      "stream_uniformity_" + stream.Name,
				Level:   LevelPass,
				Title:   fmt.Sprintf("Uniform sampling (%s)", subject),
				Details: fmt.Sprintf("Intervals within ±%d%% of median %.3fs.", pct, med),
				Subject: subject,
			})
		}
	}

	if duplicates := duplicateCount(timeline); duplicates > 0 {
		checks = append(checks, CheckResult{
			ID:      "stream_duplicates_" + stream.Name,
			Level:   LevelWarn,
			Title:   fmt.Sprintf("Duplicate timestamps (%s)", subject),
			Details: fmt.Sprintf("%d duplicate timestamps detected.", duplicates),
			Count:   duplicates,
			Subject: subject,
		})
	} else {
		checks = append(checks, CheckResult{
			ID:      "stream_duplicates_" + stream.Name,
			Level:   LevelPass,
			Title:   fmt.Sprintf("No duplicates (%s)", subject),
			Details: "No repeated timestamps found.",
			Subject: subject,
		})
	}

	return checks
}

// invalidCount tallies zero-value timestamps, the table representation of
// values that could not be parsed.
func invalidCount(timeline []time.Time) int {
	count := 0
	for _, ts := range timeline {
		if ts.IsZero() {
			count++
		}
	}
	return count
}

// isMonotonic reports whether the timeline never decreases.
func isMonotonic(timeline []time.Time) bool {
	for i := 1; i < len(timeline); i++ {
		if timeline[i].Before(timeline[i-1]) {
			return false
		}
	}
	return true
}

// estimateRateS estimates the nominal sampling interval as the median of
// the positive deltas of the sorted timeline. It needs at least three
// valid timestamps; otherwise NaN.
func estimateRateS(timeline []time.Time) float64 {
	valid := make([]time.Time, 0, len(timeline))
	for _, ts := range timeline {
		if !ts.IsZero() {
			valid = append(valid, ts)
		}
	}
	if len(valid) < 3 {
		return math.NaN()
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Before(valid[j]) })
	diffs := positiveDiffs(valid)
	if len(diffs) == 0 {
		return math.NaN()
	}
	return medianOf(diffs)
}

// positiveDiffs returns the strictly positive consecutive deltas of the
// timeline in seconds, in encounter order. Pairs touching a zero-value
// timestamp are skipped.
func positiveDiffs(timeline []time.Time) []float64 {
	var diffs []float64
	for i := 1; i < len(timeline); i++ {
		if timeline[i-1].IsZero() || timeline[i].IsZero() {
			continue
		}
		if d := timeline[i].Sub(timeline[i-1]).Seconds(); d > 0 {
			diffs = append(diffs, d)
		}
	}
	return diffs
}

func countOutliers(diffs []float64, median, tolerance float64) int {
	if !isFinite(median) || median <= 0 {
		return 0
	}
	count := 0
	for _, d := range diffs {
		if math.Abs(d-median) > tolerance*median {
			count++
		}
	}
	return count
}

func gapCount(timeline []time.Time, thresholdS float64) int {
	count := 0
	for i := 1; i < len(timeline); i++ {
		if timeline[i-1].IsZero() || timeline[i].IsZero() {
			continue
		}
		if timeline[i].Sub(timeline[i-1]).Seconds() > thresholdS {
			count++
		}
	}
	return count
}

func duplicateCount(timeline []time.Time) int {
	seen := make(map[int64]struct{}, len(timeline))
	count := 0
	for _, ts := range timeline {
		key := ts.UnixNano()
		if _, ok := seen[key]; ok {
			count++
		} else {
			seen[key] = struct{}{}
		}
	}
	return count
}

// medianOf returns the midpoint median, averaging the two middle values
// for even counts. The input is not assumed sorted and is left unchanged.
func medianOf(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const radiusM = 6371000.0
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * radiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
