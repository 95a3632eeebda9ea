package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/repo"
)

var (
	// ErrMissingCredential means no bearer credential was presented.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential means the credential was malformed, forged, expired or names no account.
	ErrInvalidCredential = errors.New("invalid or expired credential")
)

// Authenticator binds a presented bearer credential to a user identity.
type Authenticator struct {
	jwtService *JWTService
	userRepo   repo.UserRepo
}

// NewAuthenticator creates a new Authenticator
func NewAuthenticator(jwtService *JWTService, userRepo repo.UserRepo) *Authenticator {
	return &Authenticator{
		jwtService: jwtService,
		userRepo:   userRepo,
	}
}

// Authenticate verifies token and returns the bound user id. Failures wrap
// ErrMissingCredential or ErrInvalidCredential; anything else is a lookup failure.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (uuid.UUID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return uuid.Nil, ErrMissingCredential
	}

	claims, err := a.jwtService.VerifyToken(token)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	ok, err := a.userRepo.Exists(ctx, claims.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: unknown user", ErrInvalidCredential)
	}

	return claims.UserID, nil
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter (browsers cannot set headers on websocket upgrades).
func BearerToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", fmt.Errorf("%w: invalid authorization header format", ErrInvalidCredential)
		}
		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			return "", ErrMissingCredential
		}
		return tokenString, nil
	}

	if tokenString := strings.TrimSpace(r.URL.Query().Get("token")); tokenString != "" {
		return tokenString, nil
	}
	return "", ErrMissingCredential
}
