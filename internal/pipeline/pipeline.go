// Package pipeline runs a complete trip: ingest the raw exports, fuse
// them onto the GPS timeline, diagnose and repair the fused table,
// analyze it against the rules, and evaluate the regulation pack. The
// CLI and the HTTP API both run trips through here, so the two stay in
// lockstep.
package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mirkored07/rde-mvp-sub000/internal/analysis"
	"github.com/mirkored07/rde-mvp-sub000/internal/config"
	"github.com/mirkored07/rde-mvp-sub000/internal/fsutil"
	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
	"github.com/mirkored07/rde-mvp-sub000/internal/ingest"
	"github.com/mirkored07/rde-mvp-sub000/internal/monitoring"
	"github.com/mirkored07/rde-mvp-sub000/internal/quality"
	"github.com/mirkored07/rde-mvp-sub000/internal/regulation"
	"github.com/mirkored07/rde-mvp-sub000/internal/telemetry"
)

// Inputs names the trip's raw exports and the documents steering the run.
type Inputs struct {
	GPSPath  string
	ECUPath  string
	PEMSPath string

	GPS  ingest.GPSOptions
	ECU  ingest.ECUOptions
	PEMS ingest.PEMSOptions

	// Rules steers the analysis. Nil selects the built-in defaults.
	Rules *analysis.Rules

	// Pack is evaluated against the analysis payload. Nil skips
	// evaluation.
	Pack *regulation.Pack
}

// Outcome bundles everything a trip run produces. Fused is the working
// table after gap repair and channel promotion, the one the analysis
// consumed.
type Outcome struct {
	Fused      *telemetry.Table
	Streams    []fusion.StreamSpec
	Quality    *quality.Report
	Analysis   *analysis.Result
	Evaluation *regulation.Evaluation
}

// SummaryMarkdown renders the trip summary, with the regulation verdict
// section appended when a pack was evaluated. The CLI prints this and
// the API persists it, so both show the same document.
func (o *Outcome) SummaryMarkdown() string {
	if o.Evaluation == nil {
		return o.Analysis.Summary
	}
	return o.Analysis.Summary + "\n\n" + o.Evaluation.SummaryMarkdown()
}

// Valid reports the stored roll-up verdict: the trip passed analysis
// completeness and coverage, and no diagnostic check failed hard.
func (o *Outcome) Valid() bool {
	if o.Analysis == nil || o.Analysis.Payload == nil {
		return false
	}
	if o.Quality != nil && o.Quality.Summary["fail"] > 0 {
		return false
	}
	return o.Analysis.Payload.Overall.Valid
}

// Run executes the full trip pipeline. A nil cfg selects every default.
func Run(fsys fsutil.FileSystem, cfg *config.PipelineConfig, in Inputs) (*Outcome, error) {
	if cfg == nil {
		cfg = config.EmptyPipelineConfig()
	}
	rules := in.Rules
	if rules == nil {
		rules = analysis.DefaultRules()
	}

	gps, err := ingest.ReadGPS(fsys, in.GPSPath, in.GPS)
	if err != nil {
		return nil, err
	}
	ecu, err := ingest.ReadECU(fsys, in.ECUPath, in.ECU)
	if err != nil {
		return nil, err
	}
	pems, err := ingest.ReadPEMS(fsys, in.PEMSPath, in.PEMS)
	if err != nil {
		return nil, err
	}

	fused, streams, err := fusion.Fuse(gps, []fusion.StreamSpec{ecu, pems}, fusion.Options{
		EstimateOffsets:      cfg.GetEstimateOffsets(),
		SecondaryRefChannels: cfg.GetRefChannels(),
		ReferenceRefChannels: cfg.GetRefChannels(),
		GridHz:               cfg.GetOffsetGridHz(),
		MaxLagS:              cfg.GetOffsetMaxLagS(),
		Direction:            cfg.GetJoinDirection(),
		ToleranceS:           cfg.GetJoinToleranceS(),
	})
	if err != nil {
		return nil, fmt.Errorf("fuse: %w", err)
	}
	monitoring.Logf("pipeline: fused %d GPS + %d ECU + %d PEMS rows into %d samples",
		gps.Table.Len(), ecu.Table.Len(), pems.Table.Len(), fused.Len())

	qualityStreams := make([]quality.Stream, 0, len(streams))
	for _, spec := range streams {
		qualityStreams = append(qualityStreams, quality.Stream{Name: spec.Name, Table: spec.Table})
	}
	working, report, err := quality.Run(fused, qualityStreams, quality.Options{
		GapThresholdS:    cfg.GetGapThresholdS(),
		DisableGapRepair: cfg.GetDisableGapRepair(),
		RepairThresholdS: cfg.GetRepairThresholdS(),
		SpeedSpikeMPS:    cfg.GetSpeedSpikeMPS(),
		GPSTeleportM:     cfg.GetGPSTeleportM(),
		FusedTolerance:   cfg.GetFusedIntervalTolerance(),
		StreamTolerance:  cfg.GetStreamIntervalTolerance(),
		SpeedChannels:    cfg.GetSpeedChannels(),
	})
	if err != nil {
		return nil, fmt.Errorf("quality: %w", err)
	}

	if err := fusion.PromoteChannels(working, streams, promotedChannels(rules, cfg.GetSpeedChannels())); err != nil {
		return nil, fmt.Errorf("promote channels: %w", err)
	}

	eng := analysis.NewEngine(rules)
	eng.RollingWindow = cfg.GetRollingWindow()
	eng.SpeedChannels = cfg.GetSpeedChannels()
	result, err := eng.Analyze(working)
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}

	out := &Outcome{
		Fused:    working,
		Streams:  streams,
		Quality:  report,
		Analysis: result,
	}
	if in.Pack != nil {
		out.Evaluation = regulation.Evaluate(result.Payload, in.Pack)
	}
	return out, nil
}

// promotedChannels is the set of canonical channel names the analysis
// will reference: the speed candidates, every registry pollutant, and
// both sides of each rule KPI. Order is deterministic.
func promotedChannels(rules *analysis.Rules, speedChannels []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(speedChannels)+len(analysis.Registry))
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, name := range speedChannels {
		add(name)
	}
	for _, def := range analysis.Registry {
		add(def.Column)
	}
	if rules != nil {
		names := make([]string, 0, len(rules.KPIDefs))
		for name := range rules.KPIDefs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			add(rules.KPIDefs[name].Numerator)
			add(rules.KPIDefs[name].Denominator)
		}
	}
	return out
}
