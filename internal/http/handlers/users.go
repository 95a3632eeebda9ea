package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/realtime/internal/logging"
	"github.com/signalix/realtime/internal/middleware"
	"github.com/signalix/realtime/internal/repo"
)

// OnlineChecker reports live presence.
type OnlineChecker interface {
	IsOnline(userID uuid.UUID) bool
}

// RemotePresence answers for users connected to other instances.
type RemotePresence interface {
	Status(ctx context.Context, userID uuid.UUID) (bool, error)
}

// UserHandler serves user and presence lookups.
type UserHandler struct {
	users    repo.UserRepo
	presence OnlineChecker
	remote   RemotePresence
}

// NewUserHandler creates a new user handler
func NewUserHandler(users repo.UserRepo, presence OnlineChecker) *UserHandler {
	return &UserHandler{users: users, presence: presence}
}

// WithRemote consults remote when the user is not connected locally.
func (h *UserHandler) WithRemote(remote RemotePresence) *UserHandler {
	h.remote = remote
	return h
}

// userResponse is the user object in API responses
type userResponse struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type presenceResponse struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *UserHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondWithError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, r, http.StatusOK, userResponse{
		ID:          user.ID.String(),
		PhoneNumber: user.PhoneNumber,
		DisplayName: user.DisplayName,
	})
}

// HandlePresence handles GET /users/{userID}/presence. Live registry state
// wins over the persisted flag; lastSeen comes from the last transition.
func (h *UserHandler) HandlePresence(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(r, "userID")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "user not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	online := h.presence.IsOnline(userID)
	if !online && h.remote != nil {
		remote, err := h.remote.Status(r.Context(), userID)
		if err != nil {
			logging.FromContext(r.Context()).WarnContext(r.Context(), "handlers - remote presence failed", logging.Err(err))
		}
		online = remote
	}

	respondJSON(w, r, http.StatusOK, presenceResponse{
		UserID:   userID.String(),
		Online:   online,
		LastSeen: user.LastSeenAt,
	})
}
