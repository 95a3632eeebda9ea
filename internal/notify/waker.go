package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/logging"
	"github.com/signalix/realtime/internal/protocol"
)

// Presence is what Waker needs from the presence registry.
type Presence interface {
	IsOnline(userID uuid.UUID) bool
	SendToAllHandles(ctx context.Context, userID uuid.UUID, event string, payload any) bool
}

// Waker prompts a user to re-announce their peer address: over the socket
// when they are connected, through the notifier otherwise.
type Waker struct {
	presence Presence
	notifier Notifier
	log      *slog.Logger
}

// NewWaker creates a new Waker
func NewWaker(presence Presence, notifier Notifier, log *slog.Logger) *Waker {
	return &Waker{presence: presence, notifier: notifier, log: log}
}

// WakePeer asks userID's clients for a fresh peer address.
func (w *Waker) WakePeer(ctx context.Context, userID uuid.UUID) {
	if w.presence.IsOnline(userID) &&
		w.presence.SendToAllHandles(ctx, userID, protocol.EventPeerNeeded, protocol.PeerNeeded{UserID: userID}) {
		w.log.DebugContext(ctx, "notify - peer address requested over socket", logging.User(userID))
		return
	}
	Wake(ctx, w.notifier, WakeRequest{
		UserID: userID,
		Reason: ReasonPeerNeeded,
		Title:  "Reconnecting",
		Body:   "Open the app to receive calls",
	})
}
