package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/adikhanal/vigil/internal/config"
	"github.com/adikhanal/vigil/internal/perimeter"
)

// ConfigHandler handles configuration reads and hot-reload updates.
type ConfigHandler struct {
	cfg  *config.Store
	zone *perimeter.Engine
}

// NewConfigHandler creates a ConfigHandler.
func NewConfigHandler(cfg *config.Store, zone *perimeter.Engine) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, zone: zone}
}

// ServeHTTP routes /api/config, /api/config/detection, and
// /api/config/perimeter.
func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/config":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.cfg.Current())
	case "/api/config/detection":
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.updateDetection(w, r)
	case "/api/config/perimeter":
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.updatePerimeter(w, r)
	default:
		http.NotFound(w, r)
	}
}

// updateDetection applies a partial detection-settings update. Invalid
// values are rejected whole; the prior configuration stays in effect.
func (h *ConfigHandler) updateDetection(w http.ResponseWriter, r *http.Request) {
	var u config.DetectionUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	updated, err := h.cfg.UpdateDetection(u)
	if err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update config")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type perimeterRequest struct {
	Points  [][]float64 `json:"points"`
	Enabled bool        `json:"enabled"`
}

type perimeterResponse struct {
	Points  [][]float64 `json:"points"`
	Enabled bool        `json:"enabled"`
}

// updatePerimeter replaces the zone polygon. The response carries the
// validated zone actually stored, not an echo of the request, so clients
// can sync their local state from it.
func (h *ConfigHandler) updatePerimeter(w http.ResponseWriter, r *http.Request) {
	var req perimeterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	zone, err := h.zone.Replace(req.Points, req.Enabled)
	if err != nil {
		if errors.Is(err, perimeter.ErrInvalidZone) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update perimeter")
		return
	}

	h.cfg.UpdatePerimeter(zone.PointsSlice(), zone.Enabled)

	writeJSON(w, http.StatusOK, perimeterResponse{
		Points:  zone.PointsSlice(),
		Enabled: zone.Enabled,
	})
}
