package ingest

import (
	"fmt"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/fsutil"
	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
)

// ecuChannels is the canonical ECU channel order.
var ecuChannels = []string{"timestamp", "counter", "veh_speed_m_s", "engine_speed_rpm", "engine_load_pct", "throttle_pct"}

// DefaultECUMapping lists the header candidates per canonical ECU channel.
func DefaultECUMapping() Mapping {
	return Mapping{
		"timestamp":        {"timestamp", "time"},
		"counter":          {"counter"},
		"veh_speed_m_s":    {"veh_speed_m_s"},
		"engine_speed_rpm": {"engine_speed_rpm"},
		"engine_load_pct":  {"engine_load_pct"},
		"throttle_pct":     {"throttle_pct"},
	}
}

// ECUOptions tunes ReadECU. Rate and Origin time a counter-derived stream:
// Rate is required when the file carries a counter instead of timestamps,
// Origin may stay zero when fusion will estimate it from the clock offset.
type ECUOptions struct {
	Mapping Mapping
	Rate    float64
	Origin  time.Time
}

// ReadECU loads an ECU log CSV into a stream spec.
//
// Files with a timestamp channel become timestamp-native streams; files
// with a counter channel become counter-derived streams timed by
// Rate/Origin. A file with neither cannot be placed on a timeline and is
// rejected.
func ReadECU(fsys fsutil.FileSystem, path string, opts ECUOptions) (fusion.StreamSpec, error) {
	rt, err := readCSV(fsys, path)
	if err != nil {
		return fusion.StreamSpec{}, err
	}

	mapping := DefaultECUMapping().Merge(opts.Mapping)
	channels := orderedChannels(ecuChannels, mapping)
	resolved := mapping.resolve(rt.header, channels)

	_, hasTimestamp := resolved["timestamp"]
	_, hasCounter := resolved["counter"]
	if !hasTimestamp && !hasCounter {
		return fusion.StreamSpec{}, fmt.Errorf("ecu: %w: timestamp or counter", ErrMissingChannel)
	}
	if !hasTimestamp && opts.Rate <= 0 {
		return fusion.StreamSpec{}, fmt.Errorf("ecu: %w: counter stream needs a positive sample rate", fusion.ErrMissingTimingInfo)
	}

	tbl, err := buildTable(rt, resolved, channels, nil)
	if err != nil {
		return fusion.StreamSpec{}, fmt.Errorf("ecu: %w", err)
	}

	spec := fusion.StreamSpec{
		Name:        "ecu",
		Table:       tbl,
		RefChannels: []string{"veh_speed_m_s"},
	}
	if !hasTimestamp {
		spec.CounterCol = "counter"
		spec.RateHz = opts.Rate
		spec.Origin = opts.Origin
	}
	return spec, nil
}
