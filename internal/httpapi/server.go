// Package httpapi exposes the control plane's REST surface: track and
// waveform reads, analysis requests, job inspection, and library
// management. The worker callback endpoint is mounted on the same router.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"decklab/internal/analysis"
	"decklab/internal/callback"
	"decklab/internal/library"
	"decklab/internal/logging"
	"decklab/internal/store"
	"decklab/internal/worker"
)

// Server bundles the handlers with their dependencies.
type Server struct {
	st          *store.Store
	queue       *analysis.Queue
	worker      *worker.Client
	scanner     *library.Scanner
	cb          *callback.Router
	engineState func() string
}

func New(st *store.Store, queue *analysis.Queue, wc *worker.Client,
	scanner *library.Scanner, cb *callback.Router) *Server {
	return &Server{st: st, queue: queue, worker: wc, scanner: scanner, cb: cb}
}

// SetEngineState registers a connectivity probe for the playback engine
// session, reported by /api/health. Without one the engine reads "disabled".
func (s *Server) SetEngineState(state func() string) {
	s.engineState = state
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	m := mux.NewRouter()

	m.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	m.HandleFunc("/api/tracks", s.handleListTracks).Methods(http.MethodGet)
	m.HandleFunc("/api/tracks/{id}", s.handleGetTrack).Methods(http.MethodGet)
	m.HandleFunc("/api/tracks/{id}/waveform", s.handleGetWaveform).Methods(http.MethodGet)
	m.HandleFunc("/api/tracks/{id}/analyze", s.handleAnalyze).Methods(http.MethodPost)

	m.HandleFunc("/api/analysis/jobs", s.handleListJobs).Methods(http.MethodGet)
	m.HandleFunc("/api/analysis/jobs/{hash}", s.handleCancelJob).Methods(http.MethodDelete)
	m.HandleFunc("/api/analysis/reanalyze", s.handleReanalyze).Methods(http.MethodPost)

	m.HandleFunc("/api/library/directories", s.handleListDirectories).Methods(http.MethodGet)
	m.HandleFunc("/api/library/directories", s.handleAddDirectory).Methods(http.MethodPost)
	m.HandleFunc("/api/library/directories", s.handleRemoveDirectory).Methods(http.MethodDelete)

	m.HandleFunc("/api/settings/{key}", s.handleGetSetting).Methods(http.MethodGet)
	m.HandleFunc("/api/settings/{key}", s.handlePutSetting).Methods(http.MethodPut)

	if s.cb != nil {
		callback.Register(m, s.cb)
	}
	return m
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	engine := "disabled"
	if s.engineState != nil {
		engine = s.engineState()
	}

	if !s.worker.Healthy(ctx) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "worker": "down", "engine": engine,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok", "worker": "up", "engine": engine,
	})
}

func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.st.ListTracks()
	if err != nil {
		internalError(w, err)
		return
	}
	out := make([]*trackPayload, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, trackView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": out})
}

func (s *Server) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	track, ok := s.track(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, trackView(track))
}

func (s *Server) handleGetWaveform(w http.ResponseWriter, r *http.Request) {
	track, ok := s.track(w, r)
	if !ok {
		return
	}

	zoom := 0
	if raw := r.URL.Query().Get("zoom"); raw != "" {
		var err error
		zoom, err = strconv.Atoi(raw)
		if err != nil || zoom < 0 || zoom > 2 {
			fieldError(w, "zoom", "must be an integer between 0 and 2")
			return
		}
	}
	forStems := r.URL.Query().Get("stems") == "true"

	wf, err := s.st.GetWaveform(track.ContentHash, zoom, forStems)
	if err == store.ErrNotFound {
		notFound(w, "waveform not computed")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content_hash":      wf.ContentHash,
		"zoom_level":        wf.ZoomLevel,
		"for_stems":         wf.ForStems,
		"sample_rate":       wf.SampleRate,
		"samples_per_pixel": wf.SamplesPerPixel,
		"num_pixels":        wf.NumPixels,
		"bands":             wf.Bands,
	})
}

type analyzeRequest struct {
	Options  *store.AnalysisOptions `json:"options"`
	Priority string                 `json:"priority"`
	Force    bool                   `json:"force"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	track, ok := s.track(w, r)
	if !ok {
		return
	}

	var req analyzeRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			fieldError(w, "body", "malformed JSON")
			return
		}
	}

	opts := store.AnalysisOptions{BasicFeatures: true, Characteristics: true}
	if req.Options != nil {
		opts = *req.Options
	}
	priority := store.PriorityNormal
	switch req.Priority {
	case "", "normal":
	case "low":
		priority = store.PriorityLow
	case "high":
		priority = store.PriorityHigh
	default:
		fieldError(w, "priority", "must be low, normal, or high")
		return
	}

	job, err := s.queue.Request(track, opts, priority, nil, req.Force)
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobView(job))
}

type reanalyzeRequest struct {
	TrackIDs []string               `json:"track_ids"`
	Options  *store.AnalysisOptions `json:"options"`
}

func (s *Server) handleReanalyze(w http.ResponseWriter, r *http.Request) {
	var req reanalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fieldError(w, "body", "malformed JSON")
		return
	}
	if len(req.TrackIDs) == 0 {
		fieldError(w, "track_ids", "must not be empty")
		return
	}
	opts := store.AnalysisOptions{BasicFeatures: true, Characteristics: true}
	if req.Options != nil {
		opts = *req.Options
	}
	writeJSON(w, http.StatusOK, s.queue.BulkReanalyze(req.TrackIDs, opts))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			fieldError(w, "limit", "must be an integer between 1 and 500")
			return
		}
	}

	jobs, err := s.st.ListRecentJobs(limit)
	if err != nil {
		internalError(w, err)
		return
	}
	counts, err := s.st.CountJobsByStatus()
	if err != nil {
		internalError(w, err)
		return
	}

	out := make([]*jobPayload, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      out,
		"counts":    counts,
		"in_flight": s.queue.InFlight(),
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if len(hash) != 64 {
		fieldError(w, "hash", "must be a 64-character content hash")
		return
	}
	err := s.queue.Cancel(hash)
	if err == store.ErrNotFound {
		notFound(w, "no active job for hash")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDirectories(w http.ResponseWriter, r *http.Request) {
	dirs, err := s.st.ListLibraryDirectories()
	if err != nil {
		internalError(w, err)
		return
	}
	paths := make([]string, 0, len(dirs))
	for _, d := range dirs {
		paths = append(paths, d.Path)
	}
	writeJSON(w, http.StatusOK, map[string]any{"directories": paths})
}

func (s *Server) handleAddDirectory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		fieldError(w, "path", "must be a directory path")
		return
	}

	result, err := s.scanner.ScanDirectory(r.Context(), req.Path)
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRemoveDirectory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		fieldError(w, "path", "must be a directory path")
		return
	}

	err := s.st.RemoveLibraryDirectory(req.Path)
	if err == store.ErrNotFound {
		notFound(w, "directory not registered")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, err := s.st.GetSetting(key)
	if err == store.ErrNotFound {
		notFound(w, "setting not found")
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		fieldError(w, "value", "must be a string")
		return
	}
	if err := s.st.SetSetting(mux.Vars(r)["key"], *req.Value); err != nil {
		internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// track resolves the {id} route variable, writing the 404 itself.
func (s *Server) track(w http.ResponseWriter, r *http.Request) (*store.Track, bool) {
	id := mux.Vars(r)["id"]
	track, err := s.st.GetTrack(id)
	if err == store.ErrNotFound {
		notFound(w, "track not found")
		return nil, false
	}
	if err != nil {
		internalError(w, err)
		return nil, false
	}
	return track, true
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func fieldError(w http.ResponseWriter, field, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": msg, "field": field,
	})
}

func notFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": msg})
}

func internalError(w http.ResponseWriter, err error) {
	logging.Get(logging.CategoryAPI).Error("request failed: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
