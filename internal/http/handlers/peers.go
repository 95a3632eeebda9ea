package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/realtime/internal/apperr"
	"github.com/signalix/realtime/internal/middleware"
	"github.com/signalix/realtime/internal/peers"
)

// PeerHandler serves the peer-address directory.
type PeerHandler struct {
	directory *peers.Directory
}

// NewPeerHandler creates a new peer handler
func NewPeerHandler(directory *peers.Directory) *PeerHandler {
	return &PeerHandler{directory: directory}
}

type setPeerRequest struct {
	PeerID string `json:"peerId"`
}

type peerResponse struct {
	UserID      string     `json:"userId"`
	PeerID      *string    `json:"peerId"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

// owner resolves {userID} and requires it to be the caller.
func owner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	caller, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	target, ok := pathUUID(r, "userID")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	if target != caller {
		respondWithError(w, http.StatusForbidden, "forbidden")
		return uuid.Nil, false
	}
	return target, true
}

// HandleSet handles POST /users/{userID}/peer
func (h *PeerHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	userID, ok := owner(w, r)
	if !ok {
		return
	}
	var req setPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	addr, err := h.directory.Set(r.Context(), userID, req.PeerID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, peerResponse{
		UserID:      addr.UserID.String(),
		PeerID:      &addr.PeerID,
		LastUpdated: &addr.LastUpdated,
	})
}

// HandleGet handles GET /users/{userID}/peer. A missing or stale address
// answers with a null peerId; the owner is woken to re-announce.
func (h *PeerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserID(r.Context()); !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, ok := pathUUID(r, "userID")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	addr, err := h.directory.Get(r.Context(), userID)
	if apperr.Is(err, apperr.KindNotFound) {
		respondJSON(w, r, http.StatusOK, peerResponse{UserID: userID.String()})
		return
	}
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, peerResponse{
		UserID:      userID.String(),
		PeerID:      &addr.PeerID,
		LastUpdated: &addr.LastUpdated,
	})
}

// HandleDelete handles DELETE /users/{userID}/peer
func (h *PeerHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := owner(w, r)
	if !ok {
		return
	}
	if err := h.directory.Delete(r.Context(), userID); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHeartbeat handles PATCH /users/{userID}/peer/heartbeat
func (h *PeerHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	userID, ok := owner(w, r)
	if !ok {
		return
	}
	at, err := h.directory.Heartbeat(r.Context(), userID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"userId": userID.String(), "lastUpdated": at})
}
