package analysis

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
	"github.com/mirkored07/rde-mvp-sub000/internal/testutil"
)

func tripTable(t *testing.T, n int, stepS float64, cols map[string][]float64) *telemetry.Table {
	t.Helper()
	base := time.Date(2024, 3, 18, 7, 30, 0, 0, time.UTC)
	times := testutil.TimeSeq(base, time.Duration(stepS*float64(time.Second)), n)
	tab := telemetry.NewTable()
	require.NoError(t, tab.SetTimes(times))
	for name, vals := range cols {
		require.NoError(t, tab.AddColumn(name, vals))
	}
	return tab
}

func TestAnalyzeDemoTrip(t *testing.T) {
	// Three urban, three rural, three motorway samples at 1 Hz with a
	// constant 100 mg/s NOx rate.
	tab := tripTable(t, 9, 1.0, map[string][]float64{
		"veh_speed_m_s": {10, 10, 10, 20, 20, 20, 28, 28, 28},
		"nox_mg_s":      {100, 100, 100, 100, 100, 100, 100, 100, 100},
	})

	res, err := NewEngine(nil).Analyze(tab)
	require.NoError(t, err)

	overall := res.Payload.Overall
	require.InDelta(t, 8.0, overall.TotalTimeS, 1e-9)
	require.InDelta(t, 0.164, overall.TotalDistanceKm, 1e-9)
	require.InDelta(t, 1.0, overall.Completeness.LargestGapS, 1e-9)
	require.True(t, overall.Completeness.OK)
	// Coverage floors (5 km, 300 s per bin) are far from met.
	require.False(t, overall.Valid)

	urban := res.Payload.Bins["urban"]
	require.NotNil(t, urban)
	require.InDelta(t, 2.0, urban.TimeS, 1e-9)
	require.InDelta(t, 0.020, urban.DistanceKm, 1e-9)
	require.False(t, urban.Valid)

	rural := res.Payload.Bins["rural"]
	require.NotNil(t, rural)
	require.InDelta(t, 3.0, rural.TimeS, 1e-9)
	require.InDelta(t, 0.060, rural.DistanceKm, 1e-9)

	motorway := res.Payload.Bins["motorway"]
	require.NotNil(t, motorway)
	require.InDelta(t, 3.0, motorway.TimeS, 1e-9)
	require.InDelta(t, 0.084, motorway.DistanceKm, 1e-9)

	// 200 mg over 0.02 km.
	require.NotNil(t, urban.KPIs["NOx_mg_per_km"])
	require.InDelta(t, 10000.0, *urban.KPIs["NOx_mg_per_km"], 1e-6)
	require.NotNil(t, rural.KPIs["NOx_mg_per_km"])
	require.InDelta(t, 5000.0, *rural.KPIs["NOx_mg_per_km"], 1e-6)
	// pn_1_s is absent, so the PN definition is skipped entirely.
	_, ok := urban.KPIs["PN_1_per_km"]
	require.False(t, ok)
}

func TestAnalyzeDerivedColumns(t *testing.T) {
	tab := tripTable(t, 9, 1.0, map[string][]float64{
		"veh_speed_m_s": {10, 10, 10, 20, 20, 20, 28, 28, 28},
	})

	res, err := NewEngine(nil).Analyze(tab)
	require.NoError(t, err)

	for _, name := range []string{
		"delta_time_s", "distance_increment_m", "cumulative_distance_km",
		"rolling_mean_speed_m_s", "acceleration_m_s2",
		"bin_mask__urban", "bin_mask__rural", "bin_mask__motorway",
	} {
		require.True(t, res.Derived.HasColumn(name), "missing column %s", name)
	}
	// The input table is left untouched.
	require.False(t, tab.HasColumn("delta_time_s"))

	dt, _ := res.Derived.Column("delta_time_s")
	require.Equal(t, 0.0, dt[0])
	require.Equal(t, 1.0, dt[1])

	cum, _ := res.Derived.Column("cumulative_distance_km")
	require.InDelta(t, 0.164, cum[len(cum)-1], 1e-9)

	accel, _ := res.Derived.Column("acceleration_m_s2")
	require.Equal(t, 0.0, accel[0])
	require.InDelta(t, 10.0, accel[3], 1e-9)

	rolling, _ := res.Derived.Column("rolling_mean_speed_m_s")
	require.InDelta(t, 10.0, rolling[0], 1e-9)
	require.InDelta(t, 19.6, rolling[4], 1e-9)

	mask, _ := res.Derived.Column("bin_mask__urban")
	require.Equal(t, []float64{1, 1, 1, 0, 0, 0, 0, 0, 0}, mask)
}

func TestAnalyzeSummaryMarkdown(t *testing.T) {
	tab := tripTable(t, 9, 1.0, map[string][]float64{
		"veh_speed_m_s": {10, 10, 10, 20, 20, 20, 28, 28, 28},
		"nox_mg_s":      {100, 100, 100, 100, 100, 100, 100, 100, 100},
	})

	res, err := NewEngine(nil).Analyze(tab)
	require.NoError(t, err)

	for _, want := range []string{
		"# Analysis Summary",
		"Overall status: **FAIL**",
		"Total distance: **0.16 km**",
		"Total time: **8.0 s**",
		"Completeness (max gap 3.0s): **PASS** (largest gap 1.0s)",
		"## Speed bin coverage",
		"| Bin | Time (s) | Distance (km) | Status |",
		"| urban | 2.0 | 0.020 | FAIL |",
		"| rural | 3.0 | 0.060 | FAIL |",
		"| motorway | 3.0 | 0.084 | FAIL |",
		"### KPIs – urban",
		"- **NOx_mg_per_km**: 10000.000",
	} {
		require.Contains(t, res.Summary, want)
	}
	// Bins render in rule order.
	require.Less(t,
		strings.Index(res.Summary, "| urban |"),
		strings.Index(res.Summary, "| motorway |"))
}

func TestAnalyzeCoveragePass(t *testing.T) {
	rules := &Rules{
		SpeedBins:           []SpeedBin{{Name: "urban", MaxKmh: f64(60)}},
		MinDistanceKmPerBin: f64(0.01),
		MinTimeSPerBin:      f64(1),
		Completeness:        Completeness{MaxGapS: f64(5)},
	}
	tab := tripTable(t, 5, 1.0, map[string][]float64{
		"veh_speed_m_s": {10, 10, 10, 10, 10},
	})

	res, err := NewEngine(rules).Analyze(tab)
	require.NoError(t, err)
	require.True(t, res.Payload.Overall.Valid)
	require.True(t, res.Payload.Bins["urban"].Valid)
	require.Contains(t, res.Summary, "Overall status: **PASS**")
	require.NotContains(t, res.Summary, "### KPIs")
}

func TestAnalyzeCompletenessGap(t *testing.T) {
	tab := tripTable(t, 3, 1.0, map[string][]float64{
		"veh_speed_m_s": {10, 10, 10},
	})
	times := append([]time.Time{}, tab.Times()...)
	times[2] = times[1].Add(9 * time.Second)
	require.NoError(t, tab.SetTimes(times))

	res, err := NewEngine(nil).Analyze(tab)
	require.NoError(t, err)
	require.False(t, res.Payload.Overall.Completeness.OK)
	require.InDelta(t, 9.0, res.Payload.Overall.Completeness.LargestGapS, 1e-9)
	require.Contains(t, res.Summary, "Completeness (max gap 3.0s): **FAIL** (largest gap 9.0s)")
}

func TestAnalyzeNoCompletenessCeiling(t *testing.T) {
	rules := &Rules{SpeedBins: []SpeedBin{{Name: "all"}}}
	tab := tripTable(t, 3, 4.0, map[string][]float64{
		"veh_speed_m_s": {10, 10, 10},
	})

	res, err := NewEngine(rules).Analyze(tab)
	require.NoError(t, err)
	require.True(t, res.Payload.Overall.Completeness.OK)
	require.Nil(t, res.Payload.Overall.Completeness.MaxGapS)
	require.Contains(t, res.Summary, "Completeness (max gap): **PASS** (largest gap 4.0s)")
}

func TestAnalyzeKPIFallbacks(t *testing.T) {
	rules := &Rules{
		SpeedBins: []SpeedBin{{Name: "all"}},
		KPIDefs: map[string]KPIDef{
			"integral":  {Numerator: "nox_mg_s"},
			"ratio":     {Numerator: "nox_mg_s", Denominator: "exhaust_flow"},
			"dead":      {Numerator: "nox_mg_s", Denominator: "stopped_speed"},
			"unmatched": {Numerator: "absent_channel"},
		},
	}
	tab := tripTable(t, 3, 1.0, map[string][]float64{
		"veh_speed_m_s": {10, 10, 10},
		"nox_mg_s":      {100, 100, 100},
		"exhaust_flow":  {2, 2, 2},
		"stopped_speed": {0, 0, 0},
	})

	res, err := NewEngine(rules).Analyze(tab)
	require.NoError(t, err)
	kpis := res.Payload.Bins["all"].KPIs

	// No denominator: the raw time integral.
	require.NotNil(t, kpis["integral"])
	require.InDelta(t, 200.0, *kpis["integral"], 1e-9)

	// Plain column ratio: 200 / 4.
	require.NotNil(t, kpis["ratio"])
	require.InDelta(t, 50.0, *kpis["ratio"], 1e-9)

	// Zero denominator keeps the entry but yields no value.
	dead, ok := kpis["dead"]
	require.True(t, ok)
	require.Nil(t, dead)
	require.Contains(t, res.Summary, "- **dead**: n/a")

	// Missing numerator column: no entry at all.
	_, ok = kpis["unmatched"]
	require.False(t, ok)
}

func TestAnalyzeSpeedColumnFallback(t *testing.T) {
	tab := tripTable(t, 3, 1.0, map[string][]float64{
		"speed_m_s": {5, 5, 5},
	})

	res, err := NewEngine(nil).Analyze(tab)
	require.NoError(t, err)
	require.InDelta(t, 0.010, res.Payload.Bins["urban"].DistanceKm, 1e-9)
}

func TestAnalyzeMissingSpeedColumn(t *testing.T) {
	tab := tripTable(t, 3, 1.0, map[string][]float64{
		"nox_mg_s": {1, 2, 3},
	})

	_, err := NewEngine(nil).Analyze(tab)
	require.ErrorIs(t, err, ErrMissingSpeedColumn)
	require.ErrorContains(t, err, "veh_speed_m_s")
}

func TestAnalyzeEmptyTable(t *testing.T) {
	tab := telemetry.NewTable()
	require.NoError(t, tab.SetTimes([]time.Time{}))

	res, err := NewEngine(nil).Analyze(tab)
	require.NoError(t, err)
	require.False(t, res.Payload.Overall.Valid)
	require.Empty(t, res.Payload.Bins)
	require.Empty(t, res.Metrics)
	require.Equal(t, "# Analysis Summary\n\nNo data available.", res.Summary)
}

func TestAnalyzeRequiresTimeline(t *testing.T) {
	tab := telemetry.NewTable()
	require.NoError(t, tab.AddColumn("veh_speed_m_s", []float64{1, 2}))

	_, err := NewEngine(nil).Analyze(tab)
	require.ErrorIs(t, err, telemetry.ErrNoTimestamps)

	_, err = NewEngine(nil).Analyze(nil)
	require.ErrorIs(t, err, telemetry.ErrNoTimestamps)
}

func TestAnalyzeSortsInput(t *testing.T) {
	base := time.Date(2024, 3, 18, 7, 30, 0, 0, time.UTC)
	tab := telemetry.NewTable()
	require.NoError(t, tab.SetTimes([]time.Time{
		base.Add(2 * time.Second), base, base.Add(1 * time.Second),
	}))
	require.NoError(t, tab.AddColumn("veh_speed_m_s", []float64{30, 10, 20}))

	res, err := NewEngine(nil).Analyze(tab)
	require.NoError(t, err)

	speed, _ := res.Derived.Column("veh_speed_m_s")
	require.Equal(t, []float64{10, 20, 30}, speed)
	require.InDelta(t, 2.0, res.Payload.Overall.TotalTimeS, 1e-9)
	// The caller's table keeps its original order.
	orig, _ := tab.Column("veh_speed_m_s")
	require.Equal(t, []float64{30, 10, 20}, orig)
}

func TestAnalyzeMetrics(t *testing.T) {
	tab := tripTable(t, 9, 1.0, map[string][]float64{
		"veh_speed_m_s": {10, 10, 10, 20, 20, 20, 28, 28, 28},
		"nox_mg_s":      {100, 100, 100, 100, 100, 100, 100, 100, 100},
	})

	res, err := NewEngine(nil).Analyze(tab)
	require.NoError(t, err)

	entry := res.Metrics["NOx_mg_per_km"]
	require.NotNil(t, entry)
	require.Equal(t, "NOx (mg/km)", entry.Label)
	require.Equal(t, "mg/km", entry.Unit)
	require.NotNil(t, entry.Total)
	require.InDelta(t, 800.0/0.164, *entry.Total, 1e-6)
	require.NotNil(t, entry.Bins["urban"])
	require.InDelta(t, 10000.0, *entry.Bins["urban"], 1e-6)

	_, ok := res.Metrics["PN_1_per_km"]
	require.False(t, ok)
}

func TestRollingMeanCentered(t *testing.T) {
	got := rollingMean([]float64{0, 10, 20, 30, 40}, 3)
	require.InDeltaSlice(t, []float64{5, 10, 20, 30, 35}, got, 1e-9)

	require.InDeltaSlice(t, []float64{1, 2, 3}, rollingMean([]float64{1, 2, 3}, 1), 1e-9)

	// Even windows lean one sample towards the past.
	got = rollingMean([]float64{0, 10, 20, 30}, 4)
	require.InDeltaSlice(t, []float64{5, 10, 15, 20}, got, 1e-9)
}

func TestSanitizeBinName(t *testing.T) {
	require.Equal(t, "urban_core_", sanitizeBinName(" Urban Core! "))
	require.Equal(t, "a-b_2", sanitizeBinName("A-b_2"))
}
