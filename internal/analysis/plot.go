package analysis

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
)

// SpeedProfilePNG renders the trip speed profile as a PNG: the raw
// speed channel plus the rolling mean when present.
func SpeedProfilePNG(derived *telemetry.Table) ([]byte, error) {
	if derived == nil || !derived.HasTimes() {
		return nil, fmt.Errorf("speed profile: %w", telemetry.ErrNoTimestamps)
	}
	speedCol, err := resolveSpeedColumn(derived, speedColumns)
	if err != nil {
		return nil, err
	}
	times := derived.Times()
	if len(times) == 0 {
		return nil, fmt.Errorf("speed profile: empty table")
	}

	p := plot.New()
	p.Title.Text = "Speed profile"
	p.X.Label.Text = "Elapsed (s)"
	p.Y.Label.Text = "Speed (m/s)"

	speed, _ := derived.Column(speedCol)
	rawLine, err := plotter.NewLine(elapsedPoints(times, speed))
	if err != nil {
		return nil, fmt.Errorf("speed line: %w", err)
	}
	rawLine.Width = vg.Points(1)
	rawLine.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(rawLine)
	p.Legend.Add(speedCol, rawLine)

	if rolling, ok := derived.Column("rolling_mean_speed_m_s"); ok {
		meanLine, err := plotter.NewLine(elapsedPoints(times, rolling))
		if err != nil {
			return nil, fmt.Errorf("rolling mean line: %w", err)
		}
		meanLine.Width = vg.Points(1.5)
		meanLine.Color = color.RGBA{R: 255, G: 127, B: 14, A: 255}
		p.Add(meanLine)
		p.Legend.Add("rolling mean", meanLine)
	}
	p.Legend.Top = true

	w, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("render speed profile: %w", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode speed profile: %w", err)
	}
	return buf.Bytes(), nil
}

// elapsedPoints maps samples onto seconds since the first timestamp,
// dropping NaN values.
func elapsedPoints(times []time.Time, vals []float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(vals))
	origin := times[0]
	for i, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		pts = append(pts, plotter.XY{X: times[i].Sub(origin).Seconds(), Y: v})
	}
	return pts
}
