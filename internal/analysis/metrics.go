package analysis

import (
	"fmt"
	"math"
	"strings"

	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
	"github.com/mirkored07/rde-mvp-sub000/internal/units"
)

// UnitKind classifies how a pollutant rate is normalised.
type UnitKind string

const (
	MassRate  UnitKind = "mass_rate"
	CountRate UnitKind = "count_rate"
)

// MetricDef binds a pollutant to its fused rate column and SI unit.
type MetricDef struct {
	Pollutant string
	Column    string
	Kind      UnitKind
	OutKey    string
	SIUnit    string
}

// Registry lists the supported pollutant channels in display order.
var Registry = []MetricDef{
	{Pollutant: "NOx", Column: "nox_mg_s", Kind: MassRate, OutKey: "NOx_mg_per_km", SIUnit: "mg/s"},
	{Pollutant: "PN", Column: "pn_1_s", Kind: CountRate, OutKey: "PN_1_per_km", SIUnit: "1/s"},
	{Pollutant: "CO", Column: "co_mg_s", Kind: MassRate, OutKey: "CO_mg_per_km", SIUnit: "mg/s"},
	{Pollutant: "CO2", Column: "co2_g_s", Kind: MassRate, OutKey: "CO2_g_per_km", SIUnit: "g/s"},
	{Pollutant: "THC", Column: "thc_mg_s", Kind: MassRate, OutKey: "THC_mg_per_km", SIUnit: "mg/s"},
	{Pollutant: "NH3", Column: "nh3_mg_s", Kind: MassRate, OutKey: "NH3_mg_per_km", SIUnit: "mg/s"},
	{Pollutant: "N2O", Column: "n2o_mg_s", Kind: MassRate, OutKey: "N2O_mg_per_km", SIUnit: "mg/s"},
	{Pollutant: "PM", Column: "pm_mg_s", Kind: MassRate, OutKey: "PM_mg_per_km", SIUnit: "mg/s"},
}

// KPIEntry is one pollutant's distance-normalised outcome: the trip
// total plus one value per bin mask. A nil value means the masked
// samples covered no distance.
type KPIEntry struct {
	Label string              `json:"label"`
	Unit  string              `json:"unit"`
	Total *float64            `json:"total"`
	Bins  map[string]*float64 `json:"bins,omitempty"`
}

// UnitScale returns the factor converting from one rate unit to
// another. Unknown pairs scale by one, leaving values untouched.
func UnitScale(from, to string) float64 {
	if factor, ok := units.MassFlowFactor(from, to); ok {
		return factor
	}
	return 1
}

// ComputeDistanceNormalizedKPIs evaluates every registry pollutant
// whose rate column is present on the derived table. rateUnits may
// override the unit a column was recorded in; binMasks adds per-bin
// figures next to the trip total. The table must already carry
// delta_time_s and distance_increment_m.
func ComputeDistanceNormalizedKPIs(tab *telemetry.Table, rateUnits map[string]string, binMasks map[string][]bool) map[string]*KPIEntry {
	results := make(map[string]*KPIEntry)
	dtRaw, ok := tab.Column("delta_time_s")
	if !ok {
		return results
	}
	distRaw, ok := tab.Column("distance_increment_m")
	if !ok {
		return results
	}
	dt := fillZero(dtRaw)
	dist := fillZero(distRaw)

	for _, def := range Registry {
		raw, ok := tab.Column(def.Column)
		if !ok {
			continue
		}
		rate := fillZero(raw)
		from := def.SIUnit
		if u, ok := rateUnits[def.Column]; ok {
			from = u
		}
		if scale := UnitScale(from, def.SIUnit); scale != 1 {
			for i := range rate {
				rate[i] *= scale
			}
		}
		unit := outputUnit(def)
		entry := &KPIEntry{
			Label: fmt.Sprintf("%s (%s)", def.Pollutant, unit),
			Unit:  unit,
			Total: perKmValue(rate, dt, dist, nil),
		}
		if len(binMasks) > 0 {
			entry.Bins = make(map[string]*float64, len(binMasks))
			for name, mask := range binMasks {
				entry.Bins[name] = perKmValue(rate, dt, dist, mask)
			}
		}
		results[def.OutKey] = entry
	}
	return results
}

// perKmValue integrates rate over the masked samples and divides by the
// masked distance. A nil mask covers the whole trip.
func perKmValue(rate, dt, dist []float64, mask []bool) *float64 {
	totalKm := 0.0
	numerator := 0.0
	for i := range rate {
		if mask != nil && !mask[i] {
			continue
		}
		totalKm += dist[i] / 1000.0
		numerator += rate[i] * dt[i]
	}
	if totalKm <= 0 {
		return nil
	}
	v := numerator / totalKm
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func outputUnit(def MetricDef) string {
	numerator, _, _ := strings.Cut(def.SIUnit, "/")
	return numerator + "/km"
}
