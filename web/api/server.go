package api

import (
	"encoding/json"
	"net/http"

	"github.com/manicinc/synthstack-sub004/internal/dispatch"
	"github.com/manicinc/synthstack-sub004/internal/ghanalysis"
	"github.com/manicinc/synthstack-sub004/internal/maintenance"
	"github.com/manicinc/synthstack-sub004/internal/store"
	"github.com/manicinc/synthstack-sub004/internal/workerpool"
)

// Server is the HTTP API server
type Server struct {
	store    *store.Store
	disp     dispatch.Dispatcher
	coord    *workerpool.Coordinator // nil when jobs run in-process
	maint    *maintenance.Worker
	analyses *ghanalysis.Cache
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
}

// NewServer creates a new API server. coord, maint and analyses may be
// nil; the endpoints that need them degrade to 503.
func NewServer(st *store.Store, disp dispatch.Dispatcher, coord *workerpool.Coordinator, maint *maintenance.Worker, analyses *ghanalysis.Cache, addr string) *Server {
	s := &Server{
		store:    st,
		disp:     disp,
		coord:    coord,
		maint:    maint,
		analyses: analyses,
		addr:     addr,
		mux:      http.NewServeMux(),
		sseHub:   NewSSEHub(),
	}
	s.setupRoutes()
	go s.sseHub.Run()
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/projects", s.listProjectsHandler())
	s.mux.HandleFunc("/api/projects/", s.projectItemHandler())
	s.mux.HandleFunc("/api/jobs", s.listJobsHandler())
	s.mux.HandleFunc("/api/jobs/", s.jobItemHandler())
	s.mux.HandleFunc("/api/jobs/retry-failed", s.retryFailedHandler())
	s.mux.HandleFunc("/api/queue/stats", s.queueStatsHandler())
	s.mux.HandleFunc("/api/queue/pause", s.queuePauseHandler())
	s.mux.HandleFunc("/api/queue/resume", s.queueResumeHandler())
	s.mux.HandleFunc("/api/workers", s.listWorkersHandler())
	s.mux.HandleFunc("/api/schedules", s.listSchedulesHandler())
	s.mux.HandleFunc("/api/maintenance/cleanup", s.cleanupHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())

	// Remote workers connect here
	if s.coord != nil {
		s.mux.HandleFunc("/ws/worker", s.coord.HandleWebSocket)
	}
}

// Handler returns the route handler, for embedding in an http.Server
// the caller controls
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
