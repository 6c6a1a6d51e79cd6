package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/robocomp/fieldhub/go/internal/live/hub"
	"github.com/robocomp/fieldhub/go/internal/live/registry"
	"github.com/robocomp/fieldhub/go/internal/live/room"
)

// WebSocketHandler upgrades audience screens and control stations onto
// the hub.
type WebSocketHandler struct {
	reg *registry.Registry
	hub *hub.Hub
}

// NewWebSocketHandler creates the handler.
func NewWebSocketHandler(reg *registry.Registry, h *hub.Hub) *WebSocketHandler {
	return &WebSocketHandler{reg: reg, hub: h}
}

// HandleLiveConnection upgrades the request and joins the connection to
// its initial room from the query string. Reconnection is the same
// handshake: the join triggers a snapshot replay, so the client never
// starts from empty state. Further rooms are joined with join_room frames.
func (h *WebSocketHandler) HandleLiveConnection(w http.ResponseWriter, r *http.Request) {
	tournamentID := r.URL.Query().Get("tournament_id")
	if tournamentID == "" {
		http.Error(w, "tournament_id is required", http.StatusBadRequest)
		return
	}
	fieldID := r.URL.Query().Get("field_id")

	// Sender identity comes from the already-authenticated session in
	// front of the hub; the hub itself only labels the connection.
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = "anonymous"
	}

	conn, err := h.reg.Upgrade(w, r, clientID)
	if err != nil {
		log.Error().
			Err(err).
			Str("tournament_id", tournamentID).
			Str("client_id", clientID).
			Msg("failed to upgrade connection")
		return
	}

	h.hub.Join(conn, room.Key{TournamentID: tournamentID, FieldID: fieldID})
}

// HandleStats reports hub and connection counters.
func (h *WebSocketHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.hub.Stats()); err != nil {
		log.Error().Err(err).Msg("encode stats")
	}
}

// HandleHealth is the liveness probe.
func (h *WebSocketHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// RegisterRoutes attaches the gateway endpoints to the mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/live", h.HandleLiveConnection)
	mux.HandleFunc("/ws/stats", h.HandleStats)
	mux.HandleFunc("/health", h.HandleHealth)
}
