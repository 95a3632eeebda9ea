package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/logging"
	"github.com/signalix/realtime/internal/protocol"
)

// ErrInvalidUserID is returned when registering a connection for the nil user.
var ErrInvalidUserID = errors.New("invalid user id")

// Conn is one live transport connection (a tab or device).
type Conn interface {
	Handle() string
	Send(frame []byte) error
}

// Observer is notified when a user goes online (first handle) or offline (last handle).
// Observers run synchronously in registration order and must not register or
// unregister connections themselves.
type Observer interface {
	UserOnline(ctx context.Context, userID uuid.UUID, at time.Time)
	UserOffline(ctx context.Context, userID uuid.UUID, at time.Time)
}

// Heartbeater is an optional Observer extension refreshed on connection heartbeats.
type Heartbeater interface {
	Heartbeat(ctx context.Context, userID uuid.UUID, at time.Time)
}

const stripeCount = 64

// Registry maps users to their live connections.
type Registry struct {
	// stripes serialize transitions per user so observers see online and
	// offline in the order they happened.
	stripes   [stripeCount]sync.Mutex
	mu        sync.RWMutex
	users     map[uuid.UUID]map[string]Conn
	owners    map[string]uuid.UUID
	observers []Observer
	now       func() time.Time
	log       *slog.Logger
}

// NewRegistry creates an empty Registry
func NewRegistry(log *slog.Logger, observers ...Observer) *Registry {
	return &Registry{
		users:     make(map[uuid.UUID]map[string]Conn),
		owners:    make(map[string]uuid.UUID),
		observers: observers,
		now:       time.Now,
		log:       log,
	}
}

// AddObserver appends o. It must be called before the registry is shared.
func (r *Registry) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Register adds c to userID's connections. Re-registering a known handle is a no-op.
func (r *Registry) Register(ctx context.Context, userID uuid.UUID, c Conn) error {
	if userID == uuid.Nil || c == nil || c.Handle() == "" {
		return ErrInvalidUserID
	}

	stripe := r.stripe(userID)
	stripe.Lock()
	defer stripe.Unlock()

	r.mu.Lock()
	if owner, ok := r.owners[c.Handle()]; ok {
		r.mu.Unlock()
		if owner != userID {
			r.log.WarnContext(ctx, "presence - register - handle owned by another user",
				logging.Handle(c.Handle()), logging.User(userID))
		}
		return nil
	}
	set, exists := r.users[userID]
	if !exists {
		set = make(map[string]Conn)
		r.users[userID] = set
	}
	set[c.Handle()] = c
	r.owners[c.Handle()] = userID
	count := len(set)
	r.mu.Unlock()

	r.log.DebugContext(ctx, "presence - register", logging.User(userID), logging.Handle(c.Handle()), "handles", count)
	if !exists {
		at := r.now()
		for _, o := range r.observers {
			o.UserOnline(ctx, userID, at)
		}
	}
	return nil
}

// Unregister removes the connection with handle. Unknown handles are ignored.
// It reports whether the owning user went offline.
func (r *Registry) Unregister(ctx context.Context, handle string) bool {
	userID, ok := r.OwnerOf(handle)
	if !ok {
		return false
	}
	stripe := r.stripe(userID)
	stripe.Lock()
	defer stripe.Unlock()

	r.mu.Lock()
	if owner, ok := r.owners[handle]; !ok || owner != userID {
		r.mu.Unlock()
		return false
	}
	delete(r.owners, handle)
	set := r.users[userID]
	delete(set, handle)
	offline := len(set) == 0
	if offline {
		delete(r.users, userID)
	}
	r.mu.Unlock()

	r.log.DebugContext(ctx, "presence - unregister", logging.User(userID), logging.Handle(handle), "offline", offline)
	if offline {
		at := r.now()
		for _, o := range r.observers {
			o.UserOffline(ctx, userID, at)
		}
	}
	return offline
}

func (r *Registry) stripe(userID uuid.UUID) *sync.Mutex {
	return &r.stripes[int(userID[15])%stripeCount]
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// HandlesFor returns the handles of userID's live connections.
func (r *Registry) HandlesFor(userID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]string, 0, len(r.users[userID]))
	for h := range r.users[userID] {
		handles = append(handles, h)
	}
	return handles
}

// OwnerOf returns the user a handle is registered to.
func (r *Registry) OwnerOf(handle string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[handle]
	return id, ok
}

// Status reports local presence; it satisfies the same lookup as the Redis mirror.
func (r *Registry) Status(_ context.Context, userID uuid.UUID) (bool, error) {
	return r.IsOnline(userID), nil
}

func (r *Registry) connsOf(userID uuid.UUID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		conns = append(conns, c)
	}
	return conns
}

// SendToAllHandles delivers event to every live connection of userID.
// It reports whether the user had at least one connection at dispatch time.
func (r *Registry) SendToAllHandles(ctx context.Context, userID uuid.UUID, event string, payload any) bool {
	conns := r.connsOf(userID)
	if len(conns) == 0 {
		return false
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.ErrorContext(ctx, "presence - send - encode failed", logging.Event(event), logging.Err(err))
		return true
	}
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			r.log.DebugContext(ctx, "presence - send - handle skipped",
				logging.Handle(c.Handle()), logging.Event(event), logging.Err(err))
		}
	}
	return true
}

// SendToHandle delivers event to a single connection.
func (r *Registry) SendToHandle(ctx context.Context, handle, event string, payload any) bool {
	r.mu.RLock()
	var c Conn
	if userID, ok := r.owners[handle]; ok {
		c = r.users[userID][handle]
	}
	r.mu.RUnlock()
	if c == nil {
		return false
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.ErrorContext(ctx, "presence - send - encode failed", logging.Event(event), logging.Err(err))
		return false
	}
	return c.Send(frame) == nil
}

// Broadcast delivers event to every live connection.
func (r *Registry) Broadcast(ctx context.Context, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.ErrorContext(ctx, "presence - broadcast - encode failed", logging.Event(event), logging.Err(err))
		return
	}
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.owners))
	for _, set := range r.users {
		for _, c := range set {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Send(frame)
	}
}

// Heartbeat forwards a liveness beat for userID to observers that track it.
func (r *Registry) Heartbeat(ctx context.Context, userID uuid.UUID) {
	at := r.now()
	for _, o := range r.observers {
		if hb, ok := o.(Heartbeater); ok {
			hb.Heartbeat(ctx, userID, at)
		}
	}
}
