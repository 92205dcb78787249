package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"

	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
	"github.com/mirkored07/rde-mvp-sub000/internal/units"
)

// DefaultRollingWindow is the sample count of the centred rolling speed mean.
const DefaultRollingWindow = 5

// ErrMissingSpeedColumn reports a fused table without a usable speed channel.
var ErrMissingSpeedColumn = errors.New("no speed column found")

// speedColumns lists accepted speed channels in preference order.
var speedColumns = []string{"veh_speed_m_s", "speed_m_s"}

// Engine runs the coverage and KPI analysis over a fused table.
type Engine struct {
	Rules *Rules
	// RollingWindow is the sample width of the centred rolling speed
	// mean. Values below one fall back to DefaultRollingWindow.
	RollingWindow int
	// SpeedChannels overrides the column names tried, in order, when
	// resolving the vehicle speed channel. Nil selects veh_speed_m_s
	// then speed_m_s.
	SpeedChannels []string
}

// NewEngine returns an engine over the given rules, or the defaults
// when rules is nil.
func NewEngine(rules *Rules) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{Rules: rules, RollingWindow: DefaultRollingWindow}
}

// Payload is the structured outcome of an analysis run. It feeds
// regulation evaluation and the HTTP API.
type Payload struct {
	Overall Overall               `json:"overall"`
	Bins    map[string]*BinReport `json:"bins"`
}

// Overall aggregates whole-trip totals and the completeness verdict.
type Overall struct {
	TotalTimeS      float64          `json:"total_time_s"`
	TotalDistanceKm float64          `json:"total_distance_km"`
	Completeness    CompletenessInfo `json:"completeness"`
	Valid           bool             `json:"valid"`
}

// CompletenessInfo reports the largest observed sampling gap against
// the configured ceiling. MaxGapS is nil when no ceiling is set.
type CompletenessInfo struct {
	MaxGapS     *float64 `json:"max_gap_s"`
	LargestGapS float64  `json:"largest_gap_s"`
	OK          bool     `json:"ok"`
}

// BinReport is the coverage and KPI outcome of one speed bin. A KPI
// entry with a nil value means the definition applied but the
// denominator covered no distance.
type BinReport struct {
	TimeS            float64             `json:"time_s"`
	DistanceKm       float64             `json:"distance_km"`
	MeetsMinDistance bool                `json:"meets_min_distance"`
	MeetsMinTime     bool                `json:"meets_min_time"`
	Valid            bool                `json:"valid"`
	KPIs             map[string]*float64 `json:"kpis"`
}

// Result bundles the derived table, the structured payload, the
// pollutant metrics, and the Markdown summary of one analysis run.
type Result struct {
	Derived *telemetry.Table
	Payload *Payload
	Metrics map[string]*KPIEntry
	Summary string
}

// Analyze derives motion columns on a copy of the fused table, buckets
// samples into the configured speed bins, and evaluates coverage and
// KPIs. The input table is not modified.
func (e *Engine) Analyze(fused *telemetry.Table) (*Result, error) {
	rules := e.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	if fused == nil || !fused.HasTimes() {
		return nil, fmt.Errorf("analysis input: %w", telemetry.ErrNoTimestamps)
	}

	derived := fused.Clone()
	if derived.Len() == 0 {
		payload := &Payload{
			Overall: Overall{
				Completeness: CompletenessInfo{MaxGapS: rules.Completeness.MaxGapS, OK: true},
			},
			Bins: map[string]*BinReport{},
		}
		return &Result{
			Derived: derived,
			Payload: payload,
			Metrics: map[string]*KPIEntry{},
			Summary: "# Analysis Summary\n\nNo data available.",
		}, nil
	}
	if err := derived.SortByTime(); err != nil {
		return nil, err
	}

	candidates := e.SpeedChannels
	if len(candidates) == 0 {
		candidates = speedColumns
	}
	speedCol, err := resolveSpeedColumn(derived, candidates)
	if err != nil {
		return nil, err
	}

	n := derived.Len()
	times := derived.Times()

	dt := make([]float64, n)
	for i := 1; i < n; i++ {
		if d := times[i].Sub(times[i-1]).Seconds(); d > 0 {
			dt[i] = d
		}
	}
	rawSpeed, _ := derived.Column(speedCol)
	speed := fillZero(rawSpeed)

	distM := make([]float64, n)
	for i := range distM {
		distM[i] = speed[i] * dt[i]
	}
	cumKm := make([]float64, n)
	floats.CumSum(cumKm, distM)
	floats.Scale(1.0/1000.0, cumKm)

	window := e.RollingWindow
	if window < 1 {
		window = DefaultRollingWindow
	}
	rolling := rollingMean(speed, window)

	accel := make([]float64, n)
	for i := 1; i < n; i++ {
		if dt[i] > 0 {
			accel[i] = (speed[i] - speed[i-1]) / dt[i]
		}
	}

	for _, c := range []struct {
		name string
		vals []float64
	}{
		{"delta_time_s", dt},
		{"distance_increment_m", distM},
		{"cumulative_distance_km", cumKm},
		{"rolling_mean_speed_m_s", rolling},
		{"acceleration_m_s2", accel},
	} {
		if err := derived.AddColumn(c.name, c.vals); err != nil {
			return nil, err
		}
	}

	totalTime := floats.Sum(dt)
	totalKm := floats.Sum(distM) / 1000.0

	bins := make(map[string]*BinReport, len(rules.SpeedBins))
	masks := make(map[string][]bool, len(rules.SpeedBins))
	order := make([]string, 0, len(rules.SpeedBins))
	allBinsValid := true
	for _, bin := range rules.SpeedBins {
		mask := make([]bool, n)
		maskF := make([]float64, n)
		binTime, binDistM := 0.0, 0.0
		for i, v := range speed {
			kmh := units.MPSToKMH(v)
			in := (bin.MinKmh == nil || kmh >= *bin.MinKmh) && (bin.MaxKmh == nil || kmh < *bin.MaxKmh)
			mask[i] = in
			if in {
				maskF[i] = 1
				binTime += dt[i]
				binDistM += distM[i]
			}
		}
		if err := derived.AddColumn("bin_mask__"+sanitizeBinName(bin.Name), maskF); err != nil {
			return nil, err
		}
		binKm := binDistM / 1000.0
		meetsDist := rules.MinDistanceKmPerBin == nil || binKm >= *rules.MinDistanceKmPerBin
		meetsTime := rules.MinTimeSPerBin == nil || binTime >= *rules.MinTimeSPerBin
		report := &BinReport{
			TimeS:            binTime,
			DistanceKm:       binKm,
			MeetsMinDistance: meetsDist,
			MeetsMinTime:     meetsTime,
			Valid:            meetsDist && meetsTime,
			KPIs:             binKPIs(derived, rules, speedCol, dt, mask),
		}
		bins[bin.Name] = report
		masks[bin.Name] = mask
		order = append(order, bin.Name)
		allBinsValid = allBinsValid && report.Valid
	}

	largest := 0.0
	if n > 1 {
		largest = floats.Max(dt[1:])
	}
	compOK := rules.Completeness.MaxGapS == nil || largest <= *rules.Completeness.MaxGapS

	payload := &Payload{
		Overall: Overall{
			TotalTimeS:      totalTime,
			TotalDistanceKm: totalKm,
			Completeness:    CompletenessInfo{MaxGapS: rules.Completeness.MaxGapS, LargestGapS: largest, OK: compOK},
			Valid:           compOK && allBinsValid,
		},
		Bins: bins,
	}
	return &Result{
		Derived: derived,
		Payload: payload,
		Metrics: ComputeDistanceNormalizedKPIs(derived, nil, masks),
		Summary: renderSummary(payload, order),
	}, nil
}

// binKPIs integrates each KPI definition over the masked samples.
// Definitions whose numerator or denominator column is absent are
// skipped entirely. A speed denominator turns the KPI into a per-km
// figure; a bin with no covered distance yields a nil entry.
func binKPIs(tab *telemetry.Table, rules *Rules, speedCol string, dt []float64, mask []bool) map[string]*float64 {
	kpis := make(map[string]*float64, len(rules.KPIDefs))
	for name, def := range rules.KPIDefs {
		num := strings.TrimSpace(def.Numerator)
		numVals, ok := columnIfPresent(tab, num)
		if !ok {
			continue
		}
		numTotal := maskedIntegral(numVals, dt, mask)

		den := strings.TrimSpace(def.Denominator)
		if den == "" {
			v := numTotal
			kpis[name] = &v
			continue
		}
		denVals, ok := columnIfPresent(tab, den)
		if !ok {
			continue
		}
		denTotal := maskedIntegral(denVals, dt, mask)
		if den == speedCol {
			if distKm := denTotal / 1000.0; distKm > 0 {
				v := numTotal / distKm
				kpis[name] = &v
			} else {
				kpis[name] = nil
			}
			continue
		}
		if denTotal != 0 {
			v := numTotal / denTotal
			kpis[name] = &v
		} else {
			kpis[name] = nil
		}
	}
	return kpis
}

func columnIfPresent(tab *telemetry.Table, name string) ([]float64, bool) {
	if name == "" {
		return nil, false
	}
	return tab.Column(name)
}

func maskedIntegral(vals, dt []float64, mask []bool) float64 {
	total := 0.0
	for i, v := range vals {
		if !mask[i] || math.IsNaN(v) {
			continue
		}
		total += v * dt[i]
	}
	return total
}

func resolveSpeedColumn(tab *telemetry.Table, candidates []string) (string, error) {
	for _, name := range candidates {
		if tab.HasColumn(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w, expected one of: %s", ErrMissingSpeedColumn, strings.Join(candidates, ", "))
}

func fillZero(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		if !math.IsNaN(v) {
			out[i] = v
		}
	}
	return out
}

// rollingMean is a centred moving average. Windows are clamped at the
// edges, so boundary samples average over fewer points.
func rollingMean(vals []float64, window int) []float64 {
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
		out[i] = floats.Sum(vals[lo:hi+1]) / float64(hi-lo+1)
	}
	return out
}

// sanitizeBinName maps a bin name to a column-safe suffix. Letters,
// digits, underscore and hyphen survive; everything else becomes an
// underscore.
func sanitizeBinName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func renderSummary(p *Payload, order []string) string {
	var b strings.Builder
	b.WriteString("# Analysis Summary\n\n")
	fmt.Fprintf(&b, "Overall status: **%s**\n", passFail(p.Overall.Valid))
	fmt.Fprintf(&b, "Total distance: **%.2f km**\n", p.Overall.TotalDistanceKm)
	fmt.Fprintf(&b, "Total time: **%.1f s**\n", p.Overall.TotalTimeS)

	comp := p.Overall.Completeness
	gapText := ""
	if comp.MaxGapS != nil {
		gapText = fmt.Sprintf(" %.1fs", *comp.MaxGapS)
	}
	fmt.Fprintf(&b, "Completeness (max gap%s): **%s** (largest gap %.1fs)\n", gapText, passFail(comp.OK), comp.LargestGapS)

	b.WriteString("\n## Speed bin coverage\n\n")
	b.WriteString("| Bin | Time (s) | Distance (km) | Status |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, name := range order {
		bin := p.Bins[name]
		fmt.Fprintf(&b, "| %s | %.1f | %.3f | %s |\n", name, bin.TimeS, bin.DistanceKm, passFail(bin.Valid))
	}

	for _, name := range order {
		bin := p.Bins[name]
		if len(bin.KPIs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### KPIs – %s\n", name)
		for _, kpi := range sortedKPINames(bin.KPIs) {
			if v := bin.KPIs[kpi]; v != nil {
				fmt.Fprintf(&b, "- **%s**: %.3f\n", kpi, *v)
			} else {
				fmt.Fprintf(&b, "- **%s**: n/a\n", kpi)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func sortedKPINames(m map[string]*float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}
