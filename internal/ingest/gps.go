package ingest

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/fsutil"
	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
)

// gpsChannels is the canonical GPS channel order.
var gpsChannels = []string{"timestamp", "lat", "lon", "alt_m", "speed_m_s", "hdop", "fix_ok"}

// Consecutive fixes implying a higher ground speed than this are teleports:
// the position is kept but the sample is flagged and its speed dropped.
const teleportSpeedMPS = 150.0

// DefaultGPSMapping lists the header candidates per canonical GPS channel.
// Logger exports commonly shorten timestamp to time and speed_m_s to
// speed; both spellings are accepted.
func DefaultGPSMapping() Mapping {
	return Mapping{
		"timestamp": {"timestamp", "time"},
		"lat":       {"lat"},
		"lon":       {"lon"},
		"alt_m":     {"alt_m"},
		"speed_m_s": {"speed_m_s", "speed"},
		"hdop":      {"hdop"},
		"fix_ok":    {"fix_ok"},
	}
}

// GPSOptions tunes ReadGPS. Mapping entries replace the default candidates
// channel by channel.
type GPSOptions struct {
	Mapping Mapping
}

// ReadGPS loads a GPS trace CSV into a timestamp-native stream spec.
//
// The trace must resolve timestamp, lat and lon channels. Timestamps are
// parsed eagerly and the rows sorted by time. When no speed channel
// resolves, or the resolved one carries no values, ground speed is derived
// from consecutive fixes. Implausible jumps (implied speed above 150 m/s)
// clear the affected speed samples and the fix_ok flag; the remaining
// speed samples are smoothed with a short centered rolling mean.
func ReadGPS(fsys fsutil.FileSystem, path string, opts GPSOptions) (fusion.StreamSpec, error) {
	rt, err := readCSV(fsys, path)
	if err != nil {
		return fusion.StreamSpec{}, err
	}

	mapping := DefaultGPSMapping().Merge(opts.Mapping)
	channels := orderedChannels(gpsChannels, mapping)
	resolved := mapping.resolve(rt.header, channels)
	if missing := missingChannels(resolved, "timestamp", "lat", "lon"); len(missing) > 0 {
		return fusion.StreamSpec{}, fmt.Errorf("gps: %w: %s", ErrMissingChannel, strings.Join(missing, ", "))
	}

	tbl, err := buildTable(rt, resolved, channels, map[string]cellParser{"fix_ok": parseBoolCell})
	if err != nil {
		return fusion.StreamSpec{}, fmt.Errorf("gps: %w", err)
	}

	raw := tbl.RawTimes()
	times := make([]time.Time, len(raw))
	for i, s := range raw {
		ts, err := fusion.ParseTimestamp(s)
		if err != nil {
			return fusion.StreamSpec{}, fmt.Errorf("gps: %w: %q at row %d", fusion.ErrTimestampParse, s, i)
		}
		times[i] = ts
	}
	if err := tbl.SetTimes(times); err != nil {
		return fusion.StreamSpec{}, fmt.Errorf("gps: %w", err)
	}
	if err := tbl.SortByTime(); err != nil {
		return fusion.StreamSpec{}, fmt.Errorf("gps: %w", err)
	}

	lat, _ := tbl.Column("lat")
	lon, _ := tbl.Column("lon")

	speed, ok := tbl.Column("speed_m_s")
	if !ok || allNaN(speed) {
		speed = deriveSpeed(tbl.Times(), lat, lon)
		if err := tbl.AddColumn("speed_m_s", speed); err != nil {
			return fusion.StreamSpec{}, fmt.Errorf("gps: %w", err)
		}
	}

	jumps := teleportJumps(tbl.Times(), lat, lon)
	for i, jump := range jumps {
		if jump {
			speed[i] = math.NaN()
		}
	}
	smoothed := rollingMeanNaN(speed, 3)
	for i, jump := range jumps {
		if jump {
			smoothed[i] = math.NaN()
		}
	}
	if err := tbl.AddColumn("speed_m_s", smoothed); err != nil {
		return fusion.StreamSpec{}, fmt.Errorf("gps: %w", err)
	}

	fixOK, ok := tbl.Column("fix_ok")
	if !ok {
		fixOK = make([]float64, tbl.Len())
		for i := range fixOK {
			fixOK[i] = math.NaN()
		}
	}
	for i := range fixOK {
		if math.IsNaN(fixOK[i]) {
			fixOK[i] = 1
		}
		if jumps[i] {
			fixOK[i] = 0
		}
	}
	if err := tbl.AddColumn("fix_ok", fixOK); err != nil {
		return fusion.StreamSpec{}, fmt.Errorf("gps: %w", err)
	}

	return fusion.StreamSpec{
		Name:        "gps",
		Table:       tbl,
		RefChannels: []string{"speed_m_s"},
	}, nil
}

// missingChannels names the required channels absent from resolved, in
// sorted order.
func missingChannels(resolved map[string]string, required ...string) []string {
	var missing []string
	for _, channel := range required {
		if _, ok := resolved[channel]; !ok {
			missing = append(missing, channel)
		}
	}
	sort.Strings(missing)
	return missing
}

// deriveSpeed computes ground speed from consecutive fixes. The first
// sample has no predecessor and stays NaN, as does any sample whose
// interval is zero or whose position is unknown.
func deriveSpeed(times []time.Time, lat, lon []float64) []float64 {
	speed := make([]float64, len(times))
	for i := range speed {
		speed[i] = math.NaN()
	}
	for i := 1; i < len(times); i++ {
		dt := times[i].Sub(times[i-1]).Seconds()
		if dt <= 0 {
			continue
		}
		speed[i] = haversineM(lat[i-1], lon[i-1], lat[i], lon[i]) / dt
	}
	return speed
}

// teleportJumps flags samples whose implied speed from the previous fix
// exceeds the teleport ceiling. Intervals are floored at a microsecond so
// duplicate timestamps cannot mute a position jump.
func teleportJumps(times []time.Time, lat, lon []float64) []bool {
	jumps := make([]bool, len(times))
	for i := 1; i < len(times); i++ {
		dt := math.Max(1e-6, times[i].Sub(times[i-1]).Seconds())
		jumps[i] = haversineM(lat[i-1], lon[i-1], lat[i], lon[i])/dt > teleportSpeedMPS
	}
	return jumps
}

// rollingMeanNaN is a centered rolling mean that skips NaN values. Windows
// clamp at the edges; a window with no finite value yields NaN.
func rollingMeanNaN(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		lo := i - window/2
		hi := i + (window-1)/2
		if lo < 0 {
			lo = 0
		}
		if hi > len(values)-1 {
			hi = len(values) - 1
		}
		sum, n := 0.0, 0
		for j := lo; j <= hi; j++ {
			if v := values[j]; !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// haversineM is the great-circle distance between two WGS84 coordinates in
// meters.
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
