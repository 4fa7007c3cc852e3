package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/cuesync/go/internal/models"
	"github.com/mcdev12/cuesync/go/internal/roomcode"
	"github.com/mcdev12/cuesync/go/internal/roomsync/store"
	"github.com/mcdev12/cuesync/go/internal/timer"
	"github.com/rs/zerolog/log"
)

// RoomStateResponse is the durable snapshot of a room as of the request.
type RoomStateResponse struct {
	State      models.RoomState `json:"state"`
	ExpiresAt  time.Time        `json:"expires_at"`
	ServerTime time.Time        `json:"server_time"`
}

// StateHandler serves room snapshots for devices that cannot reach the
// store directly.
type StateHandler struct {
	store store.Store
	clock clockwork.Clock
}

func NewStateHandler(s store.Store, clock clockwork.Clock) *StateHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StateHandler{store: s, clock: clock}
}

// HandleGetRoomState handles GET /api/rooms/{code}/state. The timer is
// derived at request time.
func (h *StateHandler) HandleGetRoomState(w http.ResponseWriter, r *http.Request) {
	code, err := roomcode.Normalize(r.PathValue("code"))
	if err != nil {
		http.Error(w, "Invalid room code", http.StatusBadRequest)
		return
	}

	snap, err := h.store.Get(r.Context(), code)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	case err != nil:
		log.Error().Err(err).Str("room_code", code).Msg("failed to get room state")
		http.Error(w, "Failed to get room state", http.StatusInternalServerError)
		return
	}

	now := h.clock.Now().UTC()
	snap.State.Timer = timer.Snapshot(snap.State.Timer, now)
	resp := RoomStateResponse{
		State:      snap.State,
		ExpiresAt:  snap.ExpiresAt,
		ServerTime: now,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode room state response")
	}
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms/{code}/state", h.HandleGetRoomState)
}
