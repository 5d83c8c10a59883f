package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"georeg/internal/metrics"
	"georeg/internal/pipeline"
	"georeg/internal/storage"
	"georeg/internal/tasks"
)

// jobRunner is the part of *pipeline.Pipeline the HTTP layer needs.
type jobRunner interface {
	Submit(job pipeline.Job) error
	SubmitAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan tasks.Progress, func())
}

// Server exposes the job pipeline over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline jobRunner
	log      *slog.Logger
	metrics  bool
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer builds a server on addr. store may be nil, in which case the
// job listing endpoints answer 503.
func NewServer(addr string, store *storage.Store, pipe jobRunner, withMetrics bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		metrics:  withMetrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	if s.metrics {
		r.Use(metrics.Middleware)
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/process_aoi", s.handleProcessAOI).Methods(http.MethodPost)
	r.HandleFunc("/downsample", s.handleDownsample).Methods(http.MethodPost)
	r.HandleFunc("/clip", s.handleClip).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/ws", s.handleJobSocket).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleJobStream).Methods(http.MethodGet)
}

// Serve runs a server with default settings until ctx ends.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe jobRunner, log *slog.Logger) error {
	return NewServer(addr, store, pipe, true, log).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"status": "error", "message": err.Error()})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "job store disabled", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "job store disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	progress, err := s.store.Progress(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":      rec,
		"progress": progress,
		"meta":     meta,
	})
}

// streamEvent is the SSE payload for a finished job.
type streamEvent struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
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
			ev := streamEvent{JobID: res.Job.ID, Type: string(res.Job.Type), Status: res.Status(), Meta: res.Meta}
			if res.Error != nil {
				ev.Error = res.Error.Error()
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// handleJobSocket replays stored milestones for the job, then forwards live
// ones until the job reaches a terminal state or the client goes away.
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	progCh, unsubscribe := s.pipeline.SubscribeProgress()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if s.store != nil {
		if stored, err := s.store.Progress(id); err == nil {
			for _, p := range stored {
				pr := tasks.Progress{JobID: id, State: tasks.State(p.State), Percent: p.Percent, Time: p.At}
				if err := conn.WriteJSON(pr); err != nil {
					return
				}
				if pr.State.Terminal() {
					return
				}
			}
		}
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case pr, ok := <-progCh:
			if !ok {
				return
			}
			if pr.JobID != id {
				continue
			}
			if err := conn.WriteJSON(pr); err != nil {
				return
			}
			if pr.State.Terminal() {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
		}
	}
}
