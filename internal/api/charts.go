package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/mirkored07/rde-mvp-sub000/internal/analysis"
	"github.com/mirkored07/rde-mvp-sub000/internal/httputil"
	"github.com/mirkored07/rde-mvp-sub000/internal/store"
	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
)

// echartsAssetsPrefix serves the echarts JS bundle for rendered chart
// pages.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// renderSpeedChart renders the stored speed trace as an interactive
// line chart.
func (s *Server) renderSpeedChart(w http.ResponseWriter, run *store.Run) {
	series, ok := decodeSeries(w, run)
	if !ok {
		return
	}

	x := make([]string, len(series.ElapsedS))
	speed := make([]opts.LineData, len(series.SpeedMS))
	for i, e := range series.ElapsedS {
		x[i] = strconv.FormatFloat(e, 'f', 1, 64)
		speed[i] = opts.LineData{Value: series.SpeedMS[i]}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Trip Speed", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Speed profile", Subtitle: fmt.Sprintf("run=%s samples=%d", run.RunID, len(x))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Elapsed (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Speed (m/s)"}),
	)
	line.SetXAxis(x).
		AddSeries("speed", speed)
	if len(series.RollingMS) == len(series.ElapsedS) && len(series.RollingMS) > 0 {
		rolling := make([]opts.LineData, len(series.RollingMS))
		for i, v := range series.RollingMS {
			rolling[i] = opts.LineData{Value: v}
		}
		line.AddSeries("rolling mean", rolling,
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
		)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// renderBinsChart renders per-bin time and distance coverage as a bar
// chart built from the stored analysis payload.
func (s *Server) renderBinsChart(w http.ResponseWriter, run *store.Run) {
	if len(run.Payload) == 0 {
		httputil.NotFound(w, "run has no analysis payload")
		return
	}
	var payload analysis.Payload
	if err := json.Unmarshal(run.Payload, &payload); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to decode payload: %v", err))
		return
	}
	if len(payload.Bins) == 0 {
		httputil.NotFound(w, "run has no bin reports")
		return
	}

	names := make([]string, 0, len(payload.Bins))
	for name := range payload.Bins {
		names = append(names, name)
	}
	sort.Strings(names)

	timeS := make([]opts.BarData, len(names))
	distKm := make([]opts.BarData, len(names))
	for i, name := range names {
		bin := payload.Bins[name]
		timeS[i] = opts.BarData{Value: bin.TimeS}
		distKm[i] = opts.BarData{Value: bin.DistanceKm}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Bin coverage", Subtitle: fmt.Sprintf("run=%s", run.RunID)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("time (s)", timeS,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("distance (km)", distKm,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// renderSpeedProfilePNG rebuilds a minimal table from the stored trace
// and hands it to the static plotter.
func (s *Server) renderSpeedProfilePNG(w http.ResponseWriter, run *store.Run) {
	series, ok := decodeSeries(w, run)
	if !ok {
		return
	}

	origin := time.Unix(0, run.CreatedAt)
	times := make([]time.Time, len(series.ElapsedS))
	for i, e := range series.ElapsedS {
		times[i] = origin.Add(time.Duration(e * float64(time.Second)))
	}
	table := telemetry.NewTable()
	if err := table.SetTimes(times); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to rebuild trace: %v", err))
		return
	}
	if err := table.AddColumn("veh_speed_m_s", series.SpeedMS); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to rebuild trace: %v", err))
		return
	}
	if len(series.RollingMS) == len(series.ElapsedS) && len(series.RollingMS) > 0 {
		if err := table.AddColumn("rolling_mean_speed_m_s", series.RollingMS); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to rebuild trace: %v", err))
			return
		}
	}

	png, err := analysis.SpeedProfilePNG(table)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// decodeSeries unpacks the stored speed trace, writing the error
// response itself when the run has none.
func decodeSeries(w http.ResponseWriter, run *store.Run) (*runSeries, bool) {
	if len(run.Series) == 0 {
		httputil.NotFound(w, "run has no speed series")
		return nil, false
	}
	var series runSeries
	if err := json.Unmarshal(run.Series, &series); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to decode series: %v", err))
		return nil, false
	}
	if len(series.ElapsedS) == 0 {
		httputil.NotFound(w, "run has no speed series")
		return nil, false
	}
	return &series, true
}
