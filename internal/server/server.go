// Package server provides the HTTP surface for the vigil intrusion
// detection service.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/adikhanal/vigil/internal/alert"
	"github.com/adikhanal/vigil/internal/config"
	"github.com/adikhanal/vigil/internal/perimeter"
	"github.com/adikhanal/vigil/internal/pipeline"
	"github.com/adikhanal/vigil/internal/server/api"
	"github.com/adikhanal/vigil/internal/state"
)

// Config holds the server configuration.
type Config struct {
	Pipeline  *pipeline.Pipeline
	Alerts    *alert.Manager
	ConfStore *config.Store
	Zone      *perimeter.Engine
	Hub       *state.Hub
	StaticDir string
}

// Server is the HTTP server. Its handlers only read the shared snapshot
// or call manager operations; they never touch the camera or detector.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
}

// New creates a Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Alerts != nil {
		alertsHandler := api.NewAlertsHandler(s.config.Alerts)
		s.mux.Handle("/api/alerts", alertsHandler)
		s.mux.Handle("/api/alerts/", alertsHandler)
	}

	if s.config.ConfStore != nil && s.config.Zone != nil {
		configHandler := api.NewConfigHandler(s.config.ConfStore, s.config.Zone)
		s.mux.Handle("/api/config", configHandler)
		s.mux.Handle("/api/config/", configHandler)
	}

	if s.config.Pipeline != nil && s.config.Hub != nil {
		systemHandler := api.NewSystemHandler(s.config.Pipeline, s.config.Hub)
		s.mux.Handle("/api/system/", systemHandler)
		s.mux.Handle("/api/stats", systemHandler)
		s.mux.Handle("/api/detections", systemHandler)
	}

	if s.config.Hub != nil {
		s.mux.Handle("/api/live/stream", NewStreamHandler(s.config.Hub))
		s.mux.Handle("/api/live/ws", NewLiveHandler(s.config.Hub))
	}

	if s.config.StaticDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(s.config.StaticDir)))
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}
