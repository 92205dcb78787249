// Package analysis derives motion columns from a fused telemetry table,
// buckets the drive into speed bins, and computes distance-normalised
// emission KPIs per bin. The output payload is the input for regulation
// pack evaluation.
package analysis

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SpeedBin is a half-open speed interval in km/h. A nil bound leaves that
// side of the interval open: min is inclusive, max is exclusive.
type SpeedBin struct {
	Name   string   `json:"name" yaml:"name"`
	MinKmh *float64 `json:"min_kmh,omitempty" yaml:"min_kmh,omitempty"`
	MaxKmh *float64 `json:"max_kmh,omitempty" yaml:"max_kmh,omitempty"`
}

// KPIDef names the numerator and optional denominator columns of a KPI.
// When the denominator is the speed column the KPI is reported per
// kilometre travelled instead of as a plain column ratio.
type KPIDef struct {
	Numerator   string `json:"numerator" yaml:"numerator"`
	Denominator string `json:"denominator,omitempty" yaml:"denominator,omitempty"`
}

// Completeness bounds the largest tolerated sampling gap.
type Completeness struct {
	MaxGapS *float64 `json:"max_gap_s,omitempty" yaml:"max_gap_s,omitempty"`
}

// Rules configures an analysis run: bin edges, per-bin coverage
// thresholds, timeline completeness, and KPI definitions.
type Rules struct {
	SpeedBins           []SpeedBin        `json:"speed_bins" yaml:"speed_bins"`
	MinDistanceKmPerBin *float64          `json:"min_distance_km_per_bin,omitempty" yaml:"min_distance_km_per_bin,omitempty"`
	MinTimeSPerBin      *float64          `json:"min_time_s_per_bin,omitempty" yaml:"min_time_s_per_bin,omitempty"`
	Completeness        Completeness      `json:"completeness" yaml:"completeness"`
	KPIDefs             map[string]KPIDef `json:"kpi_defs,omitempty" yaml:"kpi_defs,omitempty"`
}

// DefaultRules returns the built-in demo rule set: urban/rural/motorway
// bins with 60 and 90 km/h edges, 5 km and 300 s coverage floors, a 3 s
// completeness gap ceiling, and NOx plus particle-number KPIs.
func DefaultRules() *Rules {
	return &Rules{
		SpeedBins: []SpeedBin{
			{Name: "urban", MaxKmh: f64(60)},
			{Name: "rural", MinKmh: f64(60), MaxKmh: f64(90)},
			{Name: "motorway", MinKmh: f64(90)},
		},
		MinDistanceKmPerBin: f64(5.0),
		MinTimeSPerBin:      f64(300),
		Completeness:        Completeness{MaxGapS: f64(3)},
		KPIDefs: map[string]KPIDef{
			"NOx_mg_per_km": {Numerator: "nox_mg_s", Denominator: "veh_speed_m_s"},
			"PN_1_per_km":   {Numerator: "pn_1_s", Denominator: "veh_speed_m_s"},
		},
	}
}

// ParseRules decodes a rules document. JSON is a syntactic subset of
// YAML, so JSON is tried first and YAML is the fallback.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := json.Unmarshal(data, &rules); err != nil {
		rules = Rules{}
		if yerr := yaml.Unmarshal(data, &rules); yerr != nil {
			return nil, fmt.Errorf("parse rules: %w", yerr)
		}
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// LoadRulesFile reads and parses a rules document from disk.
func LoadRulesFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// Validate rejects rule sets that the engine cannot evaluate.
func (r *Rules) Validate() error {
	for i, bin := range r.SpeedBins {
		if strings.TrimSpace(bin.Name) == "" {
			return fmt.Errorf("speed bin at index %d has no name", i)
		}
		if bin.MinKmh != nil && bin.MaxKmh != nil && *bin.MaxKmh <= *bin.MinKmh {
			return fmt.Errorf("speed bin %q has max_kmh <= min_kmh", bin.Name)
		}
	}
	for name, def := range r.KPIDefs {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("kpi definition with empty name")
		}
		if strings.TrimSpace(def.Numerator) == "" {
			return fmt.Errorf("kpi %q has no numerator column", name)
		}
	}
	return nil
}

func f64(v float64) *float64 { return &v }
