package ingest

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mirkored07/rde-mvp-sub000/internal/fsutil"
	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
	"github.com/mirkored07/rde-mvp-sub000/internal/monitoring"
	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
	"github.com/mirkored07/rde-mvp-sub000/internal/units"
)

// pemsChannels is the canonical PEMS channel order: timing and exhaust
// flow, the pollutant rates, then the auxiliary channels.
var pemsChannels = []string{
	"timestamp",
	"exhaust_flow_kg_s",
	"nox_mg_s",
	"co_mg_s",
	"co2_g_s",
	"thc_mg_s",
	"nh3_mg_s",
	"n2o_mg_s",
	"pn_1_s",
	"pm_mg_s",
	"exhaust_temp_c",
	"amb_temp_c",
	"veh_speed_m_s",
}

// DefaultPEMSMapping lists the header candidates per canonical PEMS
// channel.
func DefaultPEMSMapping() Mapping {
	m := make(Mapping, len(pemsChannels))
	for _, channel := range pemsChannels {
		m[channel] = []string{channel}
	}
	m["timestamp"] = []string{"timestamp", "time"}
	return m
}

// PEMSOptions tunes ReadPEMS. Units gives the source unit per canonical
// channel for values not recorded in canonical units; they are converted
// at read time (mass flows by scale, temperatures to degrees Celsius).
type PEMSOptions struct {
	Mapping Mapping
	Units   map[string]string
}

// ReadPEMS loads a PEMS export CSV into a stream spec. Only the timestamp
// channel is required; pollutant channels are picked up when present and
// normalised to the units their canonical names state.
func ReadPEMS(fsys fsutil.FileSystem, path string, opts PEMSOptions) (fusion.StreamSpec, error) {
	rt, err := readCSV(fsys, path)
	if err != nil {
		return fusion.StreamSpec{}, err
	}

	mapping := DefaultPEMSMapping().Merge(opts.Mapping)
	channels := orderedChannels(pemsChannels, mapping)
	resolved := mapping.resolve(rt.header, channels)
	if _, ok := resolved["timestamp"]; !ok {
		return fusion.StreamSpec{}, fmt.Errorf("pems: %w: timestamp", ErrMissingChannel)
	}

	tbl, err := buildTable(rt, resolved, channels, nil)
	if err != nil {
		return fusion.StreamSpec{}, fmt.Errorf("pems: %w", err)
	}
	if err := normalizeUnits(tbl, opts.Units); err != nil {
		return fusion.StreamSpec{}, err
	}

	return fusion.StreamSpec{
		Name:        "pems",
		Table:       tbl,
		RefChannels: []string{"veh_speed_m_s"},
	}, nil
}

// normalizeUnits converts channels recorded in non-canonical units in
// place. Channels absent from the table are skipped; channels whose
// canonical name does not state a convertible unit are rejected.
func normalizeUnits(tbl *telemetry.Table, srcUnits map[string]string) error {
	channels := make([]string, 0, len(srcUnits))
	for channel := range srcUnits {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	for _, channel := range channels {
		values, ok := tbl.Column(channel)
		if !ok {
			continue
		}
		unit := srcUnits[channel]
		switch target := unitTarget(channel); target {
		case "":
			return fmt.Errorf("pems: unit normalization for channel %q is not supported", channel)
		case "degC":
			if _, ok := units.ToCelsius(0, unit); !ok {
				return fmt.Errorf("pems: channel %q: unknown temperature unit %q", channel, unit)
			}
			for i, v := range values {
				if !math.IsNaN(v) {
					values[i], _ = units.ToCelsius(v, unit)
				}
			}
		default:
			factor, ok := units.MassFlowFactor(unit, target)
			if !ok {
				return fmt.Errorf("pems: channel %q: unit %q cannot be converted to %s (convert concentration units such as ppm to mass flow before ingesting)", channel, unit, target)
			}
			if factor == 1 {
				continue
			}
			monitoring.Logf("pems: converting %s from %s to %s", channel, unit, target)
			for i := range values {
				values[i] *= factor
			}
		}
	}
	return nil
}

// unitTarget derives the canonical unit a channel's values must arrive in
// from the channel name, or "" when the name states no convertible unit.
func unitTarget(channel string) string {
	switch {
	case strings.HasSuffix(channel, "_mg_s"):
		return "mg/s"
	case strings.HasSuffix(channel, "_g_s"):
		return "g/s"
	case strings.HasSuffix(channel, "_kg_s"):
		return "kg/s"
	case channel == "temp_c" || strings.HasSuffix(channel, "_temp_c"):
		return "degC"
	}
	return ""
}
