// Package quality inspects fused telemetry and its source streams for
// timeline defects: unparseable or out-of-order timestamps, irregular
// sampling, gaps, duplicates, speed spikes and GPS jumps. Small timeline
// gaps are repaired by inserting carried-forward rows; everything else is
// reported without modifying the data.
package quality

import "github.com/mirkored07/rde-mvp-sub000/internal/telemetry"

// Level grades a check outcome.
type Level string

const (
	LevelPass Level = "pass"
	LevelWarn Level = "warn"
	LevelFail Level = "fail"
)

// Default thresholds applied when an Options field is zero.
const (
	DefaultGapThresholdS    = 2.0
	DefaultRepairThresholdS = 3.0
	DefaultSpeedSpikeMPS    = 65.0
	DefaultGPSTeleportM     = 120.0
	DefaultFusedTolerance   = 0.40
	DefaultStreamTolerance  = 0.35
)

// CheckResult is the outcome of a single diagnostic check.
type CheckResult struct {
	ID      string `json:"id"`
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Details string `json:"details"`
	Count   int    `json:"count,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// RepairedSpan records one gap that was filled with synthesized rows.
// Start and End are RFC 3339 UTC timestamps of the rows flanking the gap.
type RepairedSpan struct {
	Start    string  `json:"start"`
	End      string  `json:"end"`
	Seconds  float64 `json:"seconds"`
	Inserted int     `json:"inserted"`
}

// Report collects the computed checks, a per-level tally and the repaired
// gap spans.
type Report struct {
	Checks        []CheckResult  `json:"checks"`
	Summary       map[string]int `json:"summary"`
	RepairedSpans []RepairedSpan `json:"repaired_spans"`
}

// Stream names a source stream for per-stream timeline checks. Order is
// preserved in the report.
type Stream struct {
	Name  string
	Table *telemetry.Table
}

// Options tunes the diagnostic thresholds. The zero value selects the
// defaults with gap repair enabled.
type Options struct {
	// GapThresholdS flags timeline gaps longer than this many seconds.
	GapThresholdS float64

	// DisableGapRepair turns off the insertion of carried-forward rows
	// into small gaps.
	DisableGapRepair bool

	// RepairThresholdS is the largest gap, in seconds, that repair will
	// fill. Larger gaps are reported but left alone.
	RepairThresholdS float64

	// SpeedSpikeMPS flags vehicle speed samples above this many m/s.
	SpeedSpikeMPS float64

	// GPSTeleportM flags consecutive positions further apart than this
	// many meters.
	GPSTeleportM float64

	// FusedTolerance and StreamTolerance are the fractional deviations
	// from the median interval beyond which an interval counts as
	// irregular.
	FusedTolerance  float64
	StreamTolerance float64

	// SpeedChannels overrides the column names tried, in order, when
	// resolving the vehicle speed channel. Nil selects veh_speed_m_s
	// then speed_m_s.
	SpeedChannels []string
}

func (o Options) withDefaults() Options {
	if o.GapThresholdS == 0 {
		o.GapThresholdS = DefaultGapThresholdS
	}
	if o.RepairThresholdS == 0 {
		o.RepairThresholdS = DefaultRepairThresholdS
	}
	if o.SpeedSpikeMPS == 0 {
		o.SpeedSpikeMPS = DefaultSpeedSpikeMPS
	}
	if o.GPSTeleportM == 0 {
		o.GPSTeleportM = DefaultGPSTeleportM
	}
	if o.FusedTolerance == 0 {
		o.FusedTolerance = DefaultFusedTolerance
	}
	if o.StreamTolerance == 0 {
		o.StreamTolerance = DefaultStreamTolerance
	}
	if len(o.SpeedChannels) == 0 {
		o.SpeedChannels = speedColumns
	}
	return o
}
