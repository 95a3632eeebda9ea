package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/auth"
	"github.com/signalix/realtime/internal/logging"
)

type contextKey string

const userIDKey contextKey = "user_id"

// AuthMiddleware authenticates the bearer credential once and attaches the user id to the context
func AuthMiddleware(authn *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r)
			if err == nil {
				var userID uuid.UUID
				userID, err = authn.Authenticate(r.Context(), token)
				if err == nil {
					ctx := context.WithValue(r.Context(), userIDKey, userID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			switch {
			case errors.Is(err, auth.ErrMissingCredential):
				respondWithError(w, http.StatusUnauthorized, "missing token")
			case errors.Is(err, auth.ErrInvalidCredential):
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
			default:
				logging.FromContext(r.Context()).ErrorContext(r.Context(), "auth - authenticate failed", logging.Err(err))
				respondWithError(w, http.StatusInternalServerError, "internal error")
			}
		})
	}
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

// WithUserID returns ctx carrying userID, as AuthMiddleware would.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
