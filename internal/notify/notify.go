// Package notify dispatches best-effort wake notifications to users who are
// offline or unreachable over the realtime channel.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/logging"
)

const (
	ReasonNewMessage   = "new-message"
	ReasonIncomingCall = "incoming-call"
	ReasonPeerNeeded   = "peer-address-needed"
)

// WakeRequest asks the push service to wake a user's device.
type WakeRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Reason string    `json:"reason"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	Ref    string    `json:"ref,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier delivers wake requests. Callers log failures and never retry.
type Notifier interface {
	Wake(ctx context.Context, req WakeRequest) error
}

// LogNotifier only logs wake requests; used when no broker is configured.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a new LogNotifier
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Wake(ctx context.Context, req WakeRequest) error {
	n.log.InfoContext(ctx, "notify - wake (no broker configured)",
		logging.User(req.UserID), slog.String("reason", req.Reason))
	return nil
}

// Capture records wake requests in memory.
type Capture struct {
	mu       sync.Mutex
	requests []WakeRequest
}

func (c *Capture) Wake(_ context.Context, req WakeRequest) error {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return nil
}

// Requests returns the captured requests.
func (c *Capture) Requests() []WakeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WakeRequest(nil), c.requests...)
}

// Wake sends req through n and logs a failure instead of returning it.
func Wake(ctx context.Context, n Notifier, req WakeRequest) {
	if n == nil {
		return
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}
	if err := n.Wake(ctx, req); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "notify - wake failed",
			logging.User(req.UserID), slog.String("reason", req.Reason), logging.Err(err))
	}
}
