// Command gen-trip writes aligned demo GPS, ECU and PEMS recordings at
// 1 Hz for exercising the trip pipeline: a smooth urban/rural/motorway
// speed profile with stop-and-go traffic, an integrated GPS track, and
// correlated emission and engine channels. Optional flags misalign the
// ECU stream or inject faults to exercise offset estimation, gap repair
// and the quality checks.
package main

import (
	"encoding/csv"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
	"github.com/mirkored07/rde-mvp-sub000/internal/security"
	"github.com/mirkored07/rde-mvp-sub000/internal/units"
)

type tripGenerator struct {
	rng     *rand.Rand
	samples int
	phase   int
}

func main() {
	out := flag.String("out", "testdata/trip", "Output directory")
	prefix := flag.String("prefix", "demo", "Output file name suffix, as in gps_<prefix>.csv")
	samples := flag.Int("samples", 5400, "Number of 1 Hz samples")
	phase := flag.Int("phase", 1800, "Samples per driving phase")
	start := flag.String("start", "2024-01-01T08:00:00Z", "Timeline start (RFC3339)")
	seed := flag.Int64("seed", 42, "Random seed")

	// Fault injection
	ecuOffset := flag.Duration("ecu-offset", 0, "Shift ECU timestamps by this much")
	ecuDropRow := flag.Int("ecu-drop-row", -1, "Drop this ECU row to create a timeline gap")
	spikeAt := flag.Int("spike-at", -1, "Inject a GPS speed spike at this sample")
	flag.Parse()

	origin, err := fusion.ParseTimestamp(*start)
	if err != nil {
		log.Fatalf("Invalid -start: %v", err)
	}
	if *samples < 2 {
		log.Fatal("-samples must be at least 2")
	}

	g := &tripGenerator{
		rng:     rand.New(rand.NewSource(*seed)),
		samples: *samples,
		phase:   *phase,
	}

	speed := g.speedProfile()
	heading := g.heading()
	lat, lon, alt := g.gpsTrack(speed, heading)
	accel := accelProfile(speed)

	if *spikeAt >= 0 && *spikeAt < len(speed) {
		speed[*spikeAt] += 40.0
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatalf("Could not create output directory: %v", err)
	}
	name := security.SanitizeFilename(*prefix)

	gpsFile := filepath.Join(*out, "gps_"+name+".csv")
	rows := [][]string{{"timestamp", "lat", "lon", "alt_m", "speed_m_s"}}
	for i := 0; i < g.samples; i++ {
		rows = append(rows, []string{
			stamp(origin, i),
			strconv.FormatFloat(lat[i], 'f', 6, 64),
			strconv.FormatFloat(lon[i], 'f', 6, 64),
			strconv.FormatFloat(alt[i], 'f', 3, 64),
			strconv.FormatFloat(speed[i], 'f', 3, 64),
		})
	}
	writeCSV(gpsFile, rows)

	pemsFile := filepath.Join(*out, "pems_"+name+".csv")
	rows = [][]string{{"timestamp", "exhaust_flow_kg_s", "nox_mg_s", "pn_1_s", "veh_speed_m_s"}}
	for i := 0; i < g.samples; i++ {
		load := 0.05*speed[i] + 0.6*accel[i]
		flow := math.Max(0, 0.3+0.02*speed[i]+g.rng.NormFloat64()*0.01)
		nox := math.Max(0, 50.0+2.5*speed[i]+8.0*load+g.rng.NormFloat64()*5.0)
		pn := math.Max(0, 1e5+8e4*load+5e4*accel[i]+g.rng.NormFloat64()*1e4)
		rows = append(rows, []string{
			stamp(origin, i),
			strconv.FormatFloat(flow, 'f', 4, 64),
			strconv.FormatFloat(nox, 'f', 2, 64),
			strconv.FormatInt(int64(math.Round(pn)), 10),
			strconv.FormatFloat(speed[i], 'f', 3, 64),
		})
	}
	writeCSV(pemsFile, rows)

	ecuFile := filepath.Join(*out, "ecu_"+name+".csv")
	rows = [][]string{{"timestamp", "veh_speed_m_s", "engine_speed_rpm", "engine_load_pct", "throttle_pct"}}
	for i := 0; i < g.samples; i++ {
		if i == *ecuDropRow {
			continue
		}
		rpm := clamp(800.0+55.0*speed[i]+120.0*accel[i]+g.rng.NormFloat64()*40.0, 650, 3200)
		engLoad := clamp(20.0+1.6*speed[i]+18.0*accel[i]+g.rng.NormFloat64()*5.0, 5, 100)
		throttle := clamp(8.0+1.2*speed[i]+25.0*accel[i]+g.rng.NormFloat64()*4.0, 0, 100)
		rows = append(rows, []string{
			stamp(origin.Add(*ecuOffset), i),
			strconv.FormatFloat(speed[i], 'f', 3, 64),
			strconv.FormatFloat(rpm, 'f', 1, 64),
			strconv.FormatFloat(engLoad, 'f', 1, 64),
			strconv.FormatFloat(throttle, 'f', 1, 64),
		})
	}
	writeCSV(ecuFile, rows)

	g.reportStatistics(speed)
	log.Printf("✓ Created: %s", gpsFile)
	log.Printf("✓ Created: %s", pemsFile)
	log.Printf("✓ Created: %s", ecuFile)
}

func stamp(origin time.Time, i int) string {
	return origin.Add(time.Duration(i) * time.Second).UTC().Format("2006-01-02T15:04:05Z")
}

func writeCSV(path string, rows [][]string) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatalf("Could not create output file %s: %v", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.WriteAll(rows); err != nil {
		log.Fatalf("Could not write %s: %v", path, err)
	}
}

// speedProfile builds the smoothed trip speed in m/s: low-speed urban
// driving with stop-and-go, a steady rural stretch, then motorway.
func (g *tripGenerator) speedProfile() []float64 {
	speed := make([]float64, g.samples)
	urbanEnd := min(g.phase, g.samples)
	ruralEnd := min(2*g.phase, g.samples)

	for i := 0; i < urbanEnd; i++ {
		t := float64(i)
		speed[i] = 6.0 + 4.0*math.Sin(t/45.0) + 3.0*math.Sin(t/12.0+1.5) + g.rng.NormFloat64()*2.5
	}
	g.applyStopGo(speed[:urbanEnd])

	for i := urbanEnd; i < ruralEnd; i++ {
		t := float64(i)
		speed[i] = 20.0 + 3.5*math.Sin(t/220.0) + 1.5*math.Sin(t/45.0) + g.rng.NormFloat64()*1.5
	}
	for i := ruralEnd; i < g.samples; i++ {
		t := float64(i)
		speed[i] = 30.0 + 2.0*math.Sin(t/360.0) + 1.0*math.Sin(t/75.0+0.5) + g.rng.NormFloat64()*1.0
	}

	for i, v := range speed {
		speed[i] = math.Max(0, v)
	}
	return centredMean(speed, 5)
}

// applyStopGo drags random short segments towards zero speed.
func (g *tripGenerator) applyStopGo(speed []float64) {
	for i := 0; i < len(speed); {
		if g.rng.Float64() < 0.04 {
			duration := 5 + g.rng.Intn(20)
			end := min(len(speed), i+duration)
			drop := 6.0 + g.rng.Float64()*6.0
			for j := i; j < end; j++ {
				speed[j] = math.Max(0, speed[j]-drop)
			}
			i = end
		} else {
			i++
		}
	}
}

// heading is a slow random walk in radians.
func (g *tripGenerator) heading() []float64 {
	out := make([]float64, g.samples)
	h := g.rng.Float64() * 2 * math.Pi
	for i := range out {
		h += g.rng.NormFloat64() * 0.01
		out[i] = h
	}
	return out
}

// gpsTrack dead-reckons a lat/lon track from speed and heading,
// starting in central Paris.
func (g *tripGenerator) gpsTrack(speed, heading []float64) (lat, lon, alt []float64) {
	lat = make([]float64, g.samples)
	lon = make([]float64, g.samples)
	alt = make([]float64, g.samples)

	lat[0], lon[0] = 48.8566, 2.3522
	for i := range alt {
		alt[i] = 35.0 + g.rng.NormFloat64()*1.5
	}
	for i := 1; i < g.samples; i++ {
		distance := speed[i-1] // metres covered in the previous second
		latRad := lat[i-1] * math.Pi / 180.0
		lat[i] = lat[i-1] + distance*math.Cos(heading[i-1])/111111.0
		denom := math.Max(1e-6, 111111.0*math.Cos(latRad))
		lon[i] = lon[i-1] + distance*math.Sin(heading[i-1])/denom
	}
	return lat, lon, alt
}

// accelProfile keeps only positive speed deltas; braking does not load
// the engine.
func accelProfile(speed []float64) []float64 {
	out := make([]float64, len(speed))
	for i := 1; i < len(speed); i++ {
		out[i] = math.Max(0, speed[i]-speed[i-1])
	}
	return out
}

// centredMean is a centred moving average with windows clamped at the
// edges.
func centredMean(vals []float64, window int) []float64 {
	out := make([]float64, len(vals))
	for i := range vals {
		lo := i - window/2
		hi := i + (window-1)/2
		if lo < 0 {
			lo = 0
		}
		if hi > len(vals)-1 {
			hi = len(vals) - 1
		}
		sum := 0.0
		for j := lo; j <= hi; j++ {
			sum += vals[j]
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (g *tripGenerator) reportStatistics(speed []float64) {
	log.Printf("Generated %d samples (%.1f min @ 1 Hz)", g.samples, float64(g.samples)/60.0)

	phases := []struct {
		name     string
		from, to int
	}{
		{"Urban", 0, min(g.phase, g.samples)},
		{"Rural", min(g.phase, g.samples), min(2*g.phase, g.samples)},
		{"Motorway", min(2*g.phase, g.samples), g.samples},
	}
	for _, p := range phases {
		if p.to <= p.from {
			continue
		}
		segment := speed[p.from:p.to]
		distKm, sum := 0.0, 0.0
		for _, v := range segment {
			distKm += v / 1000.0
			sum += v
		}
		avgKmh := units.MPSToKMH(sum / float64(len(segment)))
		log.Printf("%s: %.1f min, dist ~%.1f km, avg ~%.1f km/h",
			p.name, float64(len(segment))/60.0, distKm, avgKmh)
	}
}
