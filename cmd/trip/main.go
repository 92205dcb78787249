// Command trip runs the alignment, fusion, quality and analysis
// pipeline on one recorded drive and prints the summary as markdown.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mirkored07/rde-mvp-sub000/internal/analysis"
	"github.com/mirkored07/rde-mvp-sub000/internal/config"
	"github.com/mirkored07/rde-mvp-sub000/internal/fsutil"
	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
	"github.com/mirkored07/rde-mvp-sub000/internal/pipeline"
	"github.com/mirkored07/rde-mvp-sub000/internal/regulation"
	"github.com/mirkored07/rde-mvp-sub000/internal/security"
)

func main() {
	// Input streams
	gpsPath := flag.String("gps", "", "GPS CSV file (required)")
	ecuPath := flag.String("ecu", "", "ECU CSV file (required)")
	pemsPath := flag.String("pems", "", "PEMS CSV file (required)")

	// Rule documents
	rulesPath := flag.String("rules", "", "Analysis rules document, JSON or YAML (default: built-in rules)")
	packPath := flag.String("pack", "", "Regulation pack document (default: embedded EU7 demo pack, 'none' skips evaluation)")
	cfgPath := flag.String("config", "", "Pipeline tuning config file")

	// ECU timing for files without a timestamp column
	ecuRate := flag.Float64("ecu-rate-hz", 0, "ECU sample rate when the CSV has no timestamps")
	ecuOrigin := flag.String("ecu-time-origin", "", "ECU wall-clock start when the CSV has no timestamps (RFC3339)")

	// Output
	outDir := flag.String("out", "", "Directory to write the outcome documents and speed profile PNG")
	strict := flag.Bool("strict", false, "Exit non-zero when the trip is invalid or fails the pack")
	flag.Parse()

	if *gpsPath == "" || *ecuPath == "" || *pemsPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	in := pipeline.Inputs{
		GPSPath:  *gpsPath,
		ECUPath:  *ecuPath,
		PEMSPath: *pemsPath,
	}

	if *rulesPath != "" {
		rules, err := analysis.LoadRulesFile(*rulesPath)
		if err != nil {
			log.Fatalf("Failed to load rules: %v", err)
		}
		in.Rules = rules
	}

	switch *packPath {
	case "none":
	case "":
		in.Pack = regulation.EU7Demo()
	default:
		pack, err := regulation.LoadPackFile(*packPath)
		if err != nil {
			log.Fatalf("Failed to load regulation pack: %v", err)
		}
		in.Pack = pack
	}

	if *ecuRate != 0 {
		in.ECU.Rate = *ecuRate
	}
	if *ecuOrigin != "" {
		origin, err := fusion.ParseTimestamp(*ecuOrigin)
		if err != nil {
			log.Fatalf("Invalid -ecu-time-origin: %v", err)
		}
		in.ECU.Origin = origin
	}

	var cfg *config.PipelineConfig
	if *cfgPath != "" {
		loaded, err := config.LoadPipelineConfig(*cfgPath)
		if err != nil {
			log.Fatalf("Failed to load pipeline config: %v", err)
		}
		cfg = loaded
	}

	out, err := pipeline.Run(fsutil.OSFileSystem{}, cfg, in)
	if err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}

	fmt.Println(out.SummaryMarkdown())

	if *outDir != "" {
		if err := writeOutcome(*outDir, out); err != nil {
			log.Fatalf("Failed to write outcome: %v", err)
		}
		log.Printf("✓ Wrote outcome documents to %s", *outDir)
	}

	if *strict && (!out.Valid() || (out.Evaluation != nil && !out.Evaluation.OverallPassed)) {
		os.Exit(1)
	}
}

// writeOutcome dumps the outcome documents and the speed profile plot
// into dir. The directory must sit under the working directory or the
// system temp directory.
func writeOutcome(dir string, out *pipeline.Outcome) error {
	if err := security.ValidateExportPath(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	docs := map[string]any{
		"payload.json": out.Analysis.Payload,
		"metrics.json": out.Analysis.Metrics,
		"quality.json": out.Quality,
	}
	if out.Evaluation != nil {
		docs["evaluation.json"] = out.Evaluation
	}
	for name, doc := range docs {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "summary.md"), []byte(out.SummaryMarkdown()+"\n"), 0o644); err != nil {
		return err
	}

	// The plot needs a usable speed channel; trips without one still get
	// their documents.
	png, err := analysis.SpeedProfilePNG(out.Analysis.Derived)
	if err != nil {
		log.Printf("Skipping speed profile plot: %v", err)
		return nil
	}
	return os.WriteFile(filepath.Join(dir, "profile.png"), png, 0o644)
}
