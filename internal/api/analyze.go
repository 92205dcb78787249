package api

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mirkored07/rde-mvp-sub000/internal/analysis"
	"github.com/mirkored07/rde-mvp-sub000/internal/config"
	"github.com/mirkored07/rde-mvp-sub000/internal/fsutil"
	"github.com/mirkored07/rde-mvp-sub000/internal/fusion"
	"github.com/mirkored07/rde-mvp-sub000/internal/httputil"
	"github.com/mirkored07/rde-mvp-sub000/internal/ingest"
	"github.com/mirkored07/rde-mvp-sub000/internal/pipeline"
	"github.com/mirkored07/rde-mvp-sub000/internal/regulation"
	"github.com/mirkored07/rde-mvp-sub000/internal/security"
	"github.com/mirkored07/rde-mvp-sub000/internal/store"
)

const (
	// maxUploadBytes bounds the multipart form. Three trip CSVs plus
	// optional rule documents fit comfortably under this.
	maxUploadBytes = 64 << 20

	// maxSeriesPoints caps the persisted speed trace. Longer trips are
	// downsampled so stored runs stay small and charts stay responsive.
	maxSeriesPoints = 2000
)

// streamParts names the required multipart file parts and the staging
// paths they are piped through.
var streamParts = []struct {
	field string
	path  string
}{
	{"gps", "gps.csv"},
	{"ecu", "ecu.csv"},
	{"pems", "pems.csv"},
}

// handleAnalyze runs the full pipeline on an uploaded trip and persists
// the outcome as a new run.
//
// Required multipart file parts: gps, ecu, pems (CSV). Optional parts:
// rules, pack, config (JSON or YAML documents). Optional form values:
// label, ecu_rate_hz, ecu_time_origin, and rules_path / pack_path to
// select server-side documents from the packs directory.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("failed to parse multipart form: %v", err))
		return
	}

	fsys := fsutil.NewMemoryFileSystem()
	for _, part := range streamParts {
		data, _, err := readFilePart(r, part.field)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("missing %s file part: %v", part.field, err))
			return
		}
		if err := fsys.WriteFile(part.path, data, 0o644); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to stage %s upload: %v", part.field, err))
			return
		}
	}

	in := pipeline.Inputs{
		GPSPath:  "gps.csv",
		ECUPath:  "ecu.csv",
		PEMSPath: "pems.csv",
	}

	rules, err := s.resolveRules(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	in.Rules = rules

	pack, err := s.resolvePack(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	in.Pack = pack

	ecuOpts, err := parseECUOptions(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	in.ECU = ecuOpts

	cfg := s.cfg
	if data, _, err := readFilePart(r, "config"); err == nil {
		overlay, err := config.ParsePipelineConfig(data)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid config document: %v", err))
			return
		}
		cfg = overlay
	}

	outcome, err := pipeline.Run(fsys, cfg, in)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("pipeline failed: %v", err))
		return
	}

	run, err := buildRun(outcome, r.FormValue("label"), cfg)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode run: %v", err))
		return
	}
	if err := s.runs.Insert(run); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to persist run: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, run)
}

// readFilePart reads one named multipart file part fully into memory and
// reports the client-side filename alongside.
func readFilePart(r *http.Request, field string) ([]byte, string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("read %s part: %w", field, err)
	}
	return data, header.Filename, nil
}

// resolveRules picks the analysis rules for this request: an uploaded
// rules part wins, then a rules_path pointing into the packs directory.
// Neither leaves the choice to the pipeline defaults.
func (s *Server) resolveRules(r *http.Request) (*analysis.Rules, error) {
	if data, _, err := readFilePart(r, "rules"); err == nil {
		rules, err := analysis.ParseRules(data)
		if err != nil {
			return nil, fmt.Errorf("invalid rules document: %w", err)
		}
		return rules, nil
	}
	if rel := strings.TrimSpace(r.FormValue("rules_path")); rel != "" {
		path, err := s.packFilePath(rel)
		if err != nil {
			return nil, fmt.Errorf("invalid rules_path: %w", err)
		}
		rules, err := analysis.LoadRulesFile(path)
		if err != nil {
			return nil, fmt.Errorf("load rules %q: %w", rel, err)
		}
		return rules, nil
	}
	return nil, nil
}

// resolvePack picks the regulation pack: an uploaded pack part wins,
// then pack_path, then the embedded demo pack. Passing pack_path=none
// skips evaluation entirely.
func (s *Server) resolvePack(r *http.Request) (*regulation.Pack, error) {
	if data, name, err := readFilePart(r, "pack"); err == nil {
		pack, err := regulation.ParsePack(data, filepath.Ext(name))
		if err != nil {
			return nil, fmt.Errorf("invalid pack document: %w", err)
		}
		return pack, nil
	}
	rel := strings.TrimSpace(r.FormValue("pack_path"))
	if rel == "none" {
		return nil, nil
	}
	if rel != "" {
		path, err := s.packFilePath(rel)
		if err != nil {
			return nil, fmt.Errorf("invalid pack_path: %w", err)
		}
		pack, err := regulation.LoadPackFile(path)
		if err != nil {
			return nil, fmt.Errorf("load pack %q: %w", rel, err)
		}
		return pack, nil
	}
	return regulation.EU7Demo(), nil
}

// packFilePath resolves a client-supplied relative path against the
// packs directory and rejects anything that escapes it.
func (s *Server) packFilePath(rel string) (string, error) {
	path := filepath.Join(s.packsDir, rel)
	if err := security.ValidatePathWithinDirectory(path, s.packsDir); err != nil {
		return "", err
	}
	return path, nil
}

// parseECUOptions reads the optional ECU timing form values. The CSV
// itself carries no clock, so clients that know the logger rate or the
// wall-clock start pass them here.
func parseECUOptions(r *http.Request) (ingest.ECUOptions, error) {
	var opts ingest.ECUOptions
	if v := strings.TrimSpace(r.FormValue("ecu_rate_hz")); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid ecu_rate_hz %q: %w", v, err)
		}
		opts.Rate = rate
	}
	if v := strings.TrimSpace(r.FormValue("ecu_time_origin")); v != "" {
		origin, err := fusion.ParseTimestamp(v)
		if err != nil {
			return opts, fmt.Errorf("invalid ecu_time_origin %q: %w", v, err)
		}
		opts.Origin = origin
	}
	return opts, nil
}

// runSeries is the compact speed trace stored with each run so charts
// can be re-rendered after the uploaded CSVs are gone.
type runSeries struct {
	ElapsedS  []float64 `json:"elapsed_s"`
	SpeedMS   []float64 `json:"speed_m_s"`
	RollingMS []float64 `json:"rolling_m_s,omitempty"`
}

// buildRun flattens a pipeline outcome into the persisted run record.
func buildRun(outcome *pipeline.Outcome, label string, cfg *config.PipelineConfig) (*store.Run, error) {
	run := &store.Run{
		Label:     label,
		Valid:     outcome.Valid(),
		Passed:    outcome.Evaluation != nil && outcome.Evaluation.OverallPassed,
		SummaryMD: outcome.SummaryMarkdown(),
	}
	var err error
	if outcome.Analysis != nil {
		if run.Payload, err = json.Marshal(outcome.Analysis.Payload); err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if run.Metrics, err = json.Marshal(outcome.Analysis.Metrics); err != nil {
			return nil, fmt.Errorf("marshal metrics: %w", err)
		}
		if series := buildSeries(outcome, cfg); series != nil {
			if run.Series, err = json.Marshal(series); err != nil {
				return nil, fmt.Errorf("marshal series: %w", err)
			}
		}
	}
	if outcome.Quality != nil {
		if run.Quality, err = json.Marshal(outcome.Quality); err != nil {
			return nil, fmt.Errorf("marshal quality: %w", err)
		}
	}
	if outcome.Evaluation != nil {
		if run.Evaluation, err = json.Marshal(outcome.Evaluation); err != nil {
			return nil, fmt.Errorf("marshal evaluation: %w", err)
		}
	}
	return run, nil
}

// buildSeries extracts the speed trace from the derived table. Samples
// with no usable speed are skipped; NaN cannot travel through JSON.
func buildSeries(outcome *pipeline.Outcome, cfg *config.PipelineConfig) *runSeries {
	derived := outcome.Analysis.Derived
	if derived == nil || !derived.HasTimes() || derived.Len() == 0 {
		return nil
	}
	var speed []float64
	for _, name := range cfg.GetSpeedChannels() {
		if col, ok := derived.Column(name); ok {
			speed = col
			break
		}
	}
	if speed == nil {
		return nil
	}
	rolling, hasRolling := derived.Column("rolling_mean_speed_m_s")

	times := derived.Times()
	origin := times[0]
	stride := (len(times) + maxSeriesPoints - 1) / maxSeriesPoints
	if stride < 1 {
		stride = 1
	}

	series := &runSeries{}
	for i := 0; i < len(times); i += stride {
		if math.IsNaN(speed[i]) {
			continue
		}
		series.ElapsedS = append(series.ElapsedS, times[i].Sub(origin).Seconds())
		series.SpeedMS = append(series.SpeedMS, speed[i])
		if hasRolling {
			v := rolling[i]
			if math.IsNaN(v) {
				v = 0
			}
			series.RollingMS = append(series.RollingMS, v)
		}
	}
	if len(series.ElapsedS) == 0 {
		return nil
	}
	return series
}
