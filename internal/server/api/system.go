package api

import (
	"net/http"

	"github.com/adikhanal/vigil/internal/pipeline"
	"github.com/adikhanal/vigil/internal/state"
)

// SystemHandler exposes pipeline control and live statistics.
type SystemHandler struct {
	pipe *pipeline.Pipeline
	hub  *state.Hub
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(p *pipeline.Pipeline, hub *state.Hub) *SystemHandler {
	return &SystemHandler{pipe: p, hub: hub}
}

// ServeHTTP routes system control and stats endpoints.
func (h *SystemHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/system/status":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.status(w)
	case "/api/system/start":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := h.pipe.Start(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.status(w)
	case "/api/system/stop":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.pipe.Stop()
		h.status(w)
	case "/api/stats":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.stats(w)
	case "/api/detections":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.detections(w)
	default:
		http.NotFound(w, r)
	}
}

type statusResponse struct {
	State           string `json:"state"`
	Running         bool   `json:"running"`
	CameraConnected bool   `json:"camera_connected"`
}

func (h *SystemHandler) status(w http.ResponseWriter) {
	st, connected := h.pipe.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		State:           string(st),
		Running:         st == pipeline.StateRunning,
		CameraConnected: connected,
	})
}

func (h *SystemHandler) stats(w http.ResponseWriter) {
	if snap := h.hub.Latest(); snap != nil {
		writeJSON(w, http.StatusOK, snap.Stats)
		return
	}
	writeJSON(w, http.StatusOK, state.SystemStats{})
}

func (h *SystemHandler) detections(w http.ResponseWriter) {
	if snap := h.hub.Latest(); snap != nil && snap.Detections != nil {
		writeJSON(w, http.StatusOK, snap.Detections)
		return
	}
	writeJSON(w, http.StatusOK, []struct{}{})
}
