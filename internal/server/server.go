package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"steadyscope/internal/motion"
	"steadyscope/internal/movieio"
	"steadyscope/internal/pipeline"
	"steadyscope/internal/storage"
	"steadyscope/internal/tasks"
	"steadyscope/internal/web"
)

// Server wraps the HTTP API, the websocket hub and an optional movie watcher.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	hub      *web.Hub
	watcher  *tasks.MovieWatcher
	watchOpt map[string]any
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. watchDirs, when non-empty, are watched for new
// movies which are submitted as correct jobs with watchOptions.
func NewServer(
	addr string,
	store *storage.Store,
	pipe *pipeline.Pipeline,
	watchDirs []string,
	settle time.Duration,
	watchOptions map[string]any,
	log *slog.Logger,
) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      web.NewHub(log),
		watchOpt: watchOptions,
		log:      log,
	}

	if len(watchDirs) > 0 {
		w, err := tasks.NewMovieWatcher(watchDirs, settle, log)
		if err != nil {
			return nil, fmt.Errorf("movie watcher: %w", err)
		}
		s.watcher = w
		log.Info("Movie watcher initialized", "paths", watchDirs)
	}
	return s, nil
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("Failed to start movie watcher", "error", err)
			return err
		}
		go s.submitWatched(ctx)
	}

	go s.hub.Run(ctx)
	go s.hub.Forward(ctx, s.pipeline)
	go s.hub.BroadcastStats(ctx, s.store, 2*time.Second)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		if s.watcher != nil {
			s.watcher.Stop()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", web.HandleDashboard).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/shifts", s.handleRunShifts).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.HandleWebSocket).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(limitParam(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Type    pipeline.JobType `json:"type"`
	Input   string           `json:"input"`
	Output  string           `json:"output"`
	Options map[string]any   `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	job, err := pipeline.NewJob(req.Type, req.Input, req.Output, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.pipeline.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentRuns(r.Context(), limitParam(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Run(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunShifts(w http.ResponseWriter, r *http.Request) {
	shifts, err := s.store.RunShifts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		if err := movieio.WriteShiftsCSV(w, shifts); err != nil {
			s.log.Warn("failed to write shift csv", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, shifts)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(web.ToJobResult(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// submitWatched turns settled movie files into correct jobs.
func (s *Server) submitWatched(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			job, err := pipeline.NewJob(pipeline.JobCorrect, ev.Path, "", s.watchOpt)
			if err != nil {
				s.log.Error("watched movie rejected", "path", ev.Path, "error", err)
				continue
			}
			_ = s.store.RecordWatchEvent(storage.WatchEvent{FilePath: ev.Path, EventType: "settled", EventTime: ev.Time, FileSize: ev.Size, JobID: job.ID})
			if err := s.pipeline.Submit(job); err != nil {
				s.log.Error("failed to submit watched movie", "path", ev.Path, "error", err)
				continue
			}
			s.log.Info("submitted watched movie", "path", ev.Path, "job_id", job.ID)
		}
	}
}

func limitParam(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, motion.ErrConfiguration), errors.Is(err, motion.ErrInputShape):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}
