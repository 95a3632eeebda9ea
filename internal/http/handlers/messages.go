package handlers

import (
	"net/http"

	"github.com/signalix/realtime/internal/messaging"
	"github.com/signalix/realtime/internal/middleware"
)

// MessageHandler serves conversation history.
type MessageHandler struct {
	engine *messaging.Engine
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(engine *messaging.Engine) *MessageHandler {
	return &MessageHandler{engine: engine}
}

// HandleHistory handles GET /messages/{userID}?page=N
func (h *MessageHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	viewer, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	other, ok := pathUUID(r, "userID")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	page, ok := queryInt(r, "page", 0)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid page")
		return
	}

	result, err := h.engine.History(r.Context(), viewer, other, page)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

// HandleDelete handles DELETE /messages/{messageID}
func (h *MessageHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	viewer, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messageID, ok := pathUUID(r, "messageID")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := h.engine.Delete(r.Context(), viewer, messageID); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
