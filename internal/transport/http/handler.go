package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"fleet-monitor/livefeed/internal/coordinator"
	"fleet-monitor/livefeed/internal/domain"
	"fleet-monitor/livefeed/internal/metrics"
	"fleet-monitor/livefeed/internal/stream"
)

// FleetView is the read side of the stream coordinator.
type FleetView interface {
	Snapshot() domain.Snapshot
	Vehicle(vehicleID string) (domain.VehicleState, bool)
	Anomalies() []domain.AnomalyEvent
	Connection() stream.ConnectionStatus
	Subscribe(fn func(coordinator.Update)) (func(), error)
}

type Handler struct {
	fleet    FleetView
	auth     *AuthMiddleware
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New returns the dashboard HTTP handler. auth may be nil to serve
// without API keys.
func New(fleet FleetView, auth *AuthMiddleware, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		fleet:  fleet,
		auth:   auth,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from a different origin than the API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the fleet API, the push endpoint and the
// unauthenticated health and metrics endpoints.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /metrics", metrics.HandleMetrics)

	mux.Handle("GET /api/fleet/snapshot", h.protect(h.Snapshot))
	mux.Handle("GET /api/fleet/vehicles/{id}", h.protect(h.Vehicle))
	mux.Handle("GET /api/fleet/anomalies", h.protect(h.Anomalies))
	mux.Handle("GET /api/fleet/connection", h.protect(h.Connection))
	mux.Handle("GET /ws/fleet", h.protect(h.ServeWS))
}

func (h *Handler) protect(fn http.HandlerFunc) http.Handler {
	if h.auth == nil {
		return fn
	}
	return h.auth.Wrap(fn)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"connection": h.fleet.Connection().State,
	})
}

func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.fleet.Snapshot())
}

func (h *Handler) Vehicle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, ok := h.fleet.Vehicle(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}
	h.writeJSON(w, http.StatusOK, v)
}

// Anomalies lists recent anomalies newest first. Optional query
// parameters: vehicle_id filters, limit truncates.
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	all := h.fleet.Anomalies()
	out := make([]domain.AnomalyEvent, 0, len(all))
	vehicleID := q.Get("vehicle_id")
	for _, a := range all {
		if vehicleID != "" && a.VehicleID != vehicleID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"anomalies": out})
}

func (h *Handler) Connection(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.fleet.Connection())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("encode response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
