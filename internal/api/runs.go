package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mirkored07/rde-mvp-sub000/internal/httputil"
	"github.com/mirkored07/rde-mvp-sub000/internal/store"
)

// handleRuns lists persisted runs, newest first. List rows carry the
// verdicts and label but not the JSON documents.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	runs, err := s.runs.List()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

// handleRunByID dispatches /api/runs/{id} and its subresources:
//
//	GET    /api/runs/{id}                    full run document
//	DELETE /api/runs/{id}                    remove the run
//	GET    /api/runs/{id}/summary            markdown summary
//	GET    /api/runs/{id}/charts/speed       interactive speed chart
//	GET    /api/runs/{id}/charts/bins        per-bin coverage chart
//	GET    /api/runs/{id}/plots/profile.png  static speed profile
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	runID, sub, _ := strings.Cut(path, "/")
	if runID == "" {
		httputil.NotFound(w, "run ID required")
		return
	}

	run, err := s.runs.Get(runID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load run: %v", err))
		return
	}
	if run == nil {
		httputil.NotFound(w, fmt.Sprintf("run %s not found", runID))
		return
	}

	if sub == "" {
		switch r.Method {
		case http.MethodGet:
			httputil.WriteJSONOK(w, run)
		case http.MethodDelete:
			if err := s.runs.Delete(runID); err != nil {
				httputil.InternalServerError(w, fmt.Sprintf("failed to delete run: %v", err))
				return
			}
			httputil.WriteJSONOK(w, map[string]string{"deleted": runID})
		default:
			httputil.MethodNotAllowed(w)
		}
		return
	}

	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	switch sub {
	case "summary":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(run.SummaryMD))
	case "charts/speed":
		s.renderSpeedChart(w, run)
	case "charts/bins":
		s.renderBinsChart(w, run)
	case "plots/profile.png":
		s.renderSpeedProfilePNG(w, run)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown run resource %q", sub))
	}
}
