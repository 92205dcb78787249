// Package api exposes the trip pipeline and the run store over HTTP.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/mirkored07/rde-mvp-sub000/internal/config"
	"github.com/mirkored07/rde-mvp-sub000/internal/httputil"
	"github.com/mirkored07/rde-mvp-sub000/internal/store"
	"github.com/mirkored07/rde-mvp-sub000/internal/version"
)

// ANSI escape codes for the request log
const (
	colorCyan      = "\033[36m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
	colorReset     = "\033[0m"
)

// Server wires the analyze pipeline and the run store into HTTP
// handlers. packsDir is the directory server-side rule and pack
// documents may be referenced from.
type Server struct {
	runs     *store.RunStore
	cfg      *config.PipelineConfig
	packsDir string
}

func NewServer(runs *store.RunStore, cfg *config.PipelineConfig, packsDir string) *Server {
	if cfg == nil {
		cfg = config.EmptyPipelineConfig()
	}
	return &Server{
		runs:     runs,
		cfg:      cfg,
		packsDir: packsDir,
	}
}

// loggingResponseWriter records the status and response size as they
// pass through so the middleware can log them afterwards.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(p []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(p)
	lrw.bytes += n
	return n, err
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(code int) string {
	var color string
	switch {
	case code >= 200 && code < 300:
		color = colorBoldGreen
	case code >= 300 && code < 400:
		color = colorYellow
	case code >= 400:
		color = colorBoldRed
	default:
		return strconv.Itoa(code)
	}
	return color + strconv.Itoa(code) + colorReset
}

// LoggingMiddleware logs method, path with query, status, response size
// and duration for every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %dB %.1fms",
			statusCodeColor(lrw.status), r.Method,
			colorCyan, r.RequestURI, colorReset,
			lrw.bytes, float64(time.Since(start).Microseconds())/1000,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze", s.handleAnalyze)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunByID)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"status":     "ok",
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
