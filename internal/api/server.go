// Package api serves read-only experiment state over HTTP for dashboards
// and curl. It never drives the experiment; the station link does that.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/fringe-data/visibility.report/internal/config"
	"github.com/fringe-data/visibility.report/internal/db"
	"github.com/fringe-data/visibility.report/internal/orchestrator"
	"github.com/fringe-data/visibility.report/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// StatusSource exposes live orchestrator state. *orchestrator.Machine
// satisfies it; tests substitute a stub.
type StatusSource interface {
	Status() orchestrator.Status
	Histogram() []uint64
}

// RunStore exposes the persisted run history. Nil when the station runs
// without a database.
type RunStore interface {
	ListRuns() ([]db.Run, error)
	ListSamples(runID string) ([]db.Sample, error)
}

type Server struct {
	orch  StatusSource
	store RunStore
	cfg   *config.TuningConfig
}

func NewServer(orch StatusSource, store RunStore, cfg *config.TuningConfig) *Server {
	return &Server{
		orch:  orch,
		store: store,
		cfg:   cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/histogram", s.showHistogram)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/samples", s.listSamples)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encoding response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.orch.Status())
}

type histogramResponse struct {
	DegreeStep float64  `json:"degree_step"`
	Bins       []uint64 `json:"bins"`
}

func (s *Server) showHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, histogramResponse{
		DegreeStep: s.cfg.GetDegreeStep(),
		Bins:       s.orch.Histogram(),
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "run persistence disabled")
		return
	}

	runs, err := s.store.ListRuns()
	if err != nil {
		log.Printf("[API] listing runs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	s.writeJSON(w, runs)
}

func (s *Server) listSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "run persistence disabled")
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	samples, err := s.store.ListSamples(runID)
	if err != nil {
		log.Printf("[API] listing samples: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list samples")
		return
	}
	if samples == nil {
		samples = []db.Sample{}
	}
	s.writeJSON(w, samples)
}

type configResponse struct {
	DegreeStep                float64 `json:"degree_step"`
	CoincidenceTolerancePicos int64   `json:"coincidence_tolerance_picos"`
	VisibilityThreshold       float64 `json:"visibility_threshold"`
	FullPhaseDurationSec      float64 `json:"full_phase_duration_sec"`
	FineScanDurationSec       float64 `json:"fine_scan_duration_sec"`
	TauPicos                  int64   `json:"tau_picos"`
	BufferSize                int     `json:"buffer_size"`
	LocalTag                  string  `json:"local_tag"`
	RemoteTag                 string  `json:"remote_tag"`
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, configResponse{
		DegreeStep:                s.cfg.GetDegreeStep(),
		CoincidenceTolerancePicos: s.cfg.GetCoincidenceTolerancePicos(),
		VisibilityThreshold:       s.cfg.GetVisibilityThreshold(),
		FullPhaseDurationSec:      s.cfg.GetFullPhaseDurationSec(),
		FineScanDurationSec:       s.cfg.GetFineScanDurationSec(),
		TauPicos:                  s.cfg.GetTau(),
		BufferSize:                s.cfg.GetBufferSize(),
		LocalTag:                  s.cfg.GetLocalTag(),
		RemoteTag:                 s.cfg.GetRemoteTag(),
	})
}
