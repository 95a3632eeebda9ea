// Package peers tracks direct peer-connection addresses with a staleness window.
package peers

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/realtime/internal/apperr"
	"github.com/signalix/realtime/internal/logging"
	"github.com/signalix/realtime/internal/model"
)

const maxPeerIDLen = 256

// Waker prompts a user's clients to re-announce their address.
type Waker interface {
	WakePeer(ctx context.Context, userID uuid.UUID)
}

// Directory serves peer addresses that were refreshed within ttl.
type Directory struct {
	store        Store
	waker        Waker
	ttl          time.Duration
	wakeCooldown time.Duration
	now          func() time.Time
	log          *slog.Logger

	mu        sync.Mutex
	wokeAt    map[uuid.UUID]time.Time
	lastSweep time.Time
}

// NewDirectory creates a new Directory. Wakes for the same user are sent at
// most once per half ttl.
func NewDirectory(store Store, waker Waker, ttl time.Duration, log *slog.Logger) *Directory {
	return &Directory{
		store:        store,
		waker:        waker,
		ttl:          ttl,
		wakeCooldown: ttl / 2,
		now:          time.Now,
		log:          log,
		wokeAt:       make(map[uuid.UUID]time.Time),
	}
}

// Set upserts userID's address and refreshes its timestamp.
func (d *Directory) Set(ctx context.Context, userID uuid.UUID, peerID string) (model.PeerAddress, error) {
	const op = "peers.Set"
	peerID = strings.TrimSpace(peerID)
	if userID == uuid.Nil {
		return model.PeerAddress{}, apperr.Validation(op, "invalid user id")
	}
	if peerID == "" || len(peerID) > maxPeerIDLen {
		return model.PeerAddress{}, apperr.Validation(op, "invalid peer id")
	}
	addr := model.PeerAddress{UserID: userID, PeerID: peerID, LastUpdated: d.now()}
	if err := d.store.Put(ctx, addr); err != nil {
		return model.PeerAddress{}, apperr.Storage(op, err)
	}
	d.mu.Lock()
	delete(d.wokeAt, userID)
	d.mu.Unlock()
	d.log.DebugContext(ctx, "peers - address set", logging.User(userID))
	return addr, nil
}

// Get returns userID's address when it is fresh. A missing or stale entry
// returns a not-found failure and wakes the owner.
func (d *Directory) Get(ctx context.Context, userID uuid.UUID) (model.PeerAddress, error) {
	const op = "peers.Get"
	if userID == uuid.Nil {
		return model.PeerAddress{}, apperr.Validation(op, "invalid user id")
	}
	addr, err := d.store.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		d.wake(ctx, userID)
		return model.PeerAddress{}, &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: "peer address not registered", Err: ErrNotFound}
	case err != nil:
		return model.PeerAddress{}, apperr.Storage(op, err)
	}
	if d.now().Sub(addr.LastUpdated) > d.ttl {
		d.log.DebugContext(ctx, "peers - address stale", logging.User(userID), slog.Time("last_updated", addr.LastUpdated))
		d.wake(ctx, userID)
		return model.PeerAddress{}, &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: "peer address stale", Err: ErrNotFound}
	}
	return addr, nil
}

// Delete removes userID's address.
func (d *Directory) Delete(ctx context.Context, userID uuid.UUID) error {
	const op = "peers.Delete"
	ok, err := d.store.Delete(ctx, userID)
	if err != nil {
		return apperr.Storage(op, err)
	}
	if !ok {
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: "peer address not registered", Err: ErrNotFound}
	}
	return nil
}

// Heartbeat refreshes userID's timestamp without changing the address.
func (d *Directory) Heartbeat(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	const op = "peers.Heartbeat"
	at := d.now()
	ok, err := d.store.Touch(ctx, userID, at)
	if err != nil {
		return time.Time{}, apperr.Storage(op, err)
	}
	if !ok {
		return time.Time{}, &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: "peer address not registered", Err: ErrNotFound}
	}
	return at, nil
}

func (d *Directory) wake(ctx context.Context, userID uuid.UUID) {
	if d.waker == nil {
		return
	}
	now := d.now()
	d.mu.Lock()
	if now.Sub(d.lastSweep) >= d.wakeCooldown {
		d.sweepLocked(now)
	}
	last, seen := d.wokeAt[userID]
	if seen && now.Sub(last) < d.wakeCooldown {
		d.mu.Unlock()
		return
	}
	d.wokeAt[userID] = now
	d.mu.Unlock()
	d.waker.WakePeer(ctx, userID)
}

// sweepLocked drops wake records whose cooldown has passed.
func (d *Directory) sweepLocked(now time.Time) {
	for id, at := range d.wokeAt {
		if now.Sub(at) >= d.wakeCooldown {
			delete(d.wokeAt, id)
		}
	}
	d.lastSweep = now
}
