package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/signalix/realtime/internal/auth"
	"github.com/signalix/realtime/internal/http/handlers"
	"github.com/signalix/realtime/internal/middleware"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Health   *handlers.HealthHandler
	Users    *handlers.UserHandler
	Messages *handlers.MessageHandler
	Peers    *handlers.PeerHandler
	Gateway  http.Handler
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(log *slog.Logger, service string, authn *auth.Authenticator, h Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Tracing(service))
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", h.Health.ServeHTTP)

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(authn))

		r.Get("/ws", h.Gateway.ServeHTTP)
		r.Get("/me", h.Users.HandleMe)

		r.Route("/messages", func(r chi.Router) {
			r.Get("/{userID}", h.Messages.HandleHistory)
			r.Delete("/{messageID}", h.Messages.HandleDelete)
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/presence", h.Users.HandlePresence)
			r.Post("/peer", h.Peers.HandleSet)
			r.Get("/peer", h.Peers.HandleGet)
			r.Delete("/peer", h.Peers.HandleDelete)
			r.Patch("/peer/heartbeat", h.Peers.HandleHeartbeat)
		})
	})

	return r
}
