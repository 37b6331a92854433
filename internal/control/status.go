// Package control serves the HTTP status surface of the pairloop server:
// a liveness endpoint at / and a load snapshot at /status. The handlers
// mount on the same mux as the WebSocket endpoint so a single listener
// serves everything.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pairloop/pairloop/internal/match"
)

// SnapshotProvider is a function that returns the current server load.
type SnapshotProvider func() match.Snapshot

// Handler serves the liveness and status endpoints.
type Handler struct {
	provider SnapshotProvider
	log      *slog.Logger
	started  time.Time
}

// NewHandler creates a status handler backed by the given snapshot
// provider.
func NewHandler(provider SnapshotProvider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		provider: provider,
		log:      logger.With("component", "control"),
		started:  time.Now(),
	}
}

// Register mounts the handlers on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("GET /status", h.handleStatus)
}

type rootResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type statusResponse struct {
	Status                 string         `json:"status"`
	UptimeSeconds          float64        `json:"uptime_seconds"`
	LoadPercent            float64        `json:"load_percent"`
	RoomUtilizationPercent float64        `json:"room_utilization_percent"`
	Stats                  match.Snapshot `json:"stats"`
}

// handleRoot responds with a fixed liveness document.
func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, rootResponse{
		Status:  "ok",
		Message: "pairloop signaling server is running",
	})
}

// handleStatus responds with the current load snapshot as JSON.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.provider()
	h.writeJSON(w, statusResponse{
		Status:                 "ok",
		UptimeSeconds:          time.Since(h.started).Seconds(),
		LoadPercent:            snap.LoadPercent(),
		RoomUtilizationPercent: snap.RoomUtilizationPercent(),
		Stats:                  snap,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encoding status response", "error", err)
	}
}
