package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/logging"
	"github.com/signalix/realtime/internal/protocol"
	"github.com/signalix/realtime/internal/repo"
)

// Recorder persists the derived online flag and last-seen time.
type Recorder struct {
	users repo.UserRepo
	log   *slog.Logger
}

// NewRecorder creates a new Recorder
func NewRecorder(users repo.UserRepo, log *slog.Logger) *Recorder {
	return &Recorder{users: users, log: log}
}

func (r *Recorder) UserOnline(ctx context.Context, userID uuid.UUID, at time.Time) {
	r.set(ctx, userID, true, at)
}

func (r *Recorder) UserOffline(ctx context.Context, userID uuid.UUID, at time.Time) {
	r.set(ctx, userID, false, at)
}

func (r *Recorder) set(ctx context.Context, userID uuid.UUID, online bool, at time.Time) {
	if err := r.users.SetPresence(ctx, userID, online, at); err != nil {
		r.log.ErrorContext(ctx, "presence - recorder - set presence failed",
			logging.User(userID), slog.Bool("online", online), logging.Err(err))
	}
}

// Broadcaster announces user-status-changed to every connected client.
type Broadcaster struct {
	registry *Registry
}

// NewBroadcaster creates a new Broadcaster
func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

func (b *Broadcaster) UserOnline(ctx context.Context, userID uuid.UUID, _ time.Time) {
	b.registry.Broadcast(ctx, protocol.EventUserStatusChanged, protocol.UserStatus{UserID: userID, Online: true})
}

func (b *Broadcaster) UserOffline(ctx context.Context, userID uuid.UUID, _ time.Time) {
	b.registry.Broadcast(ctx, protocol.EventUserStatusChanged, protocol.UserStatus{UserID: userID, Online: false})
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Online  func(ctx context.Context, userID uuid.UUID, at time.Time)
	Offline func(ctx context.Context, userID uuid.UUID, at time.Time)
}

func (f ObserverFuncs) UserOnline(ctx context.Context, userID uuid.UUID, at time.Time) {
	if f.Online != nil {
		f.Online(ctx, userID, at)
	}
}

func (f ObserverFuncs) UserOffline(ctx context.Context, userID uuid.UUID, at time.Time) {
	if f.Offline != nil {
		f.Offline(ctx, userID, at)
	}
}
