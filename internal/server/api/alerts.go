package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adikhanal/vigil/internal/alert"
	"github.com/adikhanal/vigil/internal/store"
)

// defaultListLimit caps an alert listing when the client does not ask
// for a specific page size.
const defaultListLimit = 50

// AlertsHandler handles HTTP requests for alert resources.
type AlertsHandler struct {
	alerts *alert.Manager
}

// NewAlertsHandler creates an AlertsHandler backed by the given manager.
func NewAlertsHandler(m *alert.Manager) *AlertsHandler {
	return &AlertsHandler{alerts: m}
}

// ServeHTTP routes collection, stats, and item requests.
// Expected paths: /api/alerts, /api/alerts/stats, /api/alerts/{id}.
func (h *AlertsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/alerts")
	path = strings.TrimPrefix(path, "/")

	switch {
	case path == "":
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodDelete:
			h.deleteAll(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case path == "stats":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.stats(w, r)
	default:
		switch r.Method {
		case http.MethodGet:
			h.get(w, r, path)
		case http.MethodDelete:
			h.delete(w, r, path)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

type alertResponse struct {
	ID            string     `json:"id"`
	Timestamp     string     `json:"timestamp"`
	IntrusionType string     `json:"intrusion_type"`
	Confidence    float64    `json:"confidence"`
	BBox          [4]float64 `json:"bbox"`
	SnapshotPath  string     `json:"snapshot_path,omitempty"`
}

type listAlertsResponse struct {
	Alerts []alertResponse `json:"alerts"`
	Total  int             `json:"total"`
}

type alertStatsResponse struct {
	TotalAlerts  int            `json:"total_alerts"`
	AlertsByType map[string]int `json:"alerts_by_type"`
	LastAlert    string         `json:"last_alert"`
}

func toAlertResponse(a *alert.Alert) alertResponse {
	return alertResponse{
		ID:            a.ID,
		Timestamp:     a.CreatedAt.Format(time.RFC3339),
		IntrusionType: string(a.Type),
		Confidence:    a.Confidence,
		BBox:          a.BBox,
		SnapshotPath:  a.SnapshotPath,
	}
}

// list handles GET /api/alerts?limit=&offset=.
func (h *AlertsHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		offset = n
	}

	alerts := h.alerts.List(limit, offset)
	resp := listAlertsResponse{
		Alerts: make([]alertResponse, 0, len(alerts)),
		Total:  h.alerts.Stats().TotalAlerts,
	}
	for _, a := range alerts {
		resp.Alerts = append(resp.Alerts, toAlertResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// get handles GET /api/alerts/{id}.
func (h *AlertsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	a, err := h.alerts.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get alert")
		return
	}
	writeJSON(w, http.StatusOK, toAlertResponse(a))
}

// delete handles DELETE /api/alerts/{id}.
func (h *AlertsHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.alerts.Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete alert")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Alert deleted", "id": id})
}

// deleteAll handles DELETE /api/alerts.
func (h *AlertsHandler) deleteAll(w http.ResponseWriter, r *http.Request) {
	n := h.alerts.DeleteAll()
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// stats handles GET /api/alerts/stats.
func (h *AlertsHandler) stats(w http.ResponseWriter, r *http.Request) {
	s := h.alerts.Stats()
	resp := alertStatsResponse{
		TotalAlerts:  s.TotalAlerts,
		AlertsByType: s.AlertsByType,
		LastAlert:    "none",
	}
	if s.LastAlert != nil {
		resp.LastAlert = s.LastAlert.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
