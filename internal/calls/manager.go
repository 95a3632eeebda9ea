// Package calls coordinates one-to-one call signaling between users.
package calls

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalix/realtime/internal/apperr"
	"github.com/signalix/realtime/internal/logging"
	"github.com/signalix/realtime/internal/model"
	"github.com/signalix/realtime/internal/notify"
	"github.com/signalix/realtime/internal/protocol"
	"github.com/signalix/realtime/internal/repo"
)

// ErrNoSuchCall is wrapped by failures on a pair with no call in the required state.
var ErrNoSuchCall = errors.New("no such call")

const (
	ReasonTimeout    = "timeout"
	ReasonCancelled  = "cancelled"
	ReasonDeclined   = "declined"
	ReasonEnded      = "ended"
	ReasonDisconnect = "disconnect"
	ReasonLeftChat   = "left-chat"
	ReasonShutdown   = "shutdown"
)

const defaultCallText = "Video call"

var tracer = otel.Tracer("call-manager")

// State is the lifecycle state of a live call. Idle calls have no session.
type State int

const (
	StateRinging State = iota + 1
	StateAccepted
	StateActive
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

// Presence is the subset of the presence registry the manager needs.
type Presence interface {
	SendToAllHandles(ctx context.Context, userID uuid.UUID, event string, payload any) bool
}

type pair struct {
	caller uuid.UUID
	callee uuid.UUID
}

type session struct {
	pair
	messageID uuid.UUID
	text      string
	state     State
	timer     *time.Timer
	// reserving is set while Request holds the slot but has not yet
	// confirmed the shared reservation.
	reserving bool
	// status is the last call record status written for the session.
	status model.MessageStatus
}

func (s *session) other(userID uuid.UUID) uuid.UUID {
	if userID == s.caller {
		return s.callee
	}
	return s.caller
}

// Manager owns every live call session of the process.
type Manager struct {
	mu       sync.Mutex
	sessions map[pair]*session
	byUser   map[uuid.UUID]*session

	active      ActiveStore
	users       repo.UserRepo
	messages    repo.MessageRepo
	presence    Presence
	notifier    notify.Notifier
	ringTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewManager creates a new Manager
func NewManager(
	log *slog.Logger,
	active ActiveStore,
	users repo.UserRepo,
	messages repo.MessageRepo,
	presence Presence,
	notifier notify.Notifier,
	ringTimeout time.Duration,
) *Manager {
	return &Manager{
		sessions:    make(map[pair]*session),
		byUser:      make(map[uuid.UUID]*session),
		active:      active,
		users:       users,
		messages:    messages,
		presence:    presence,
		notifier:    notifier,
		ringTimeout: ringTimeout,
		now:         time.Now,
		log:         log,
	}
}

// StateOf returns the state of the call between caller and callee.
func (m *Manager) StateOf(caller, callee uuid.UUID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[pair{caller, callee}]
	if !ok {
		return 0, false
	}
	return s.state, true
}

// InCall reports whether userID is part of a live call on this instance.
func (m *Manager) InCall(userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byUser[userID]
	return ok
}

// Request starts ringing callee on behalf of caller.
func (m *Manager) Request(ctx context.Context, caller uuid.UUID, req protocol.CallRequest) error {
	const op = "calls.Request"
	ctx, span := tracer.Start(ctx, "Manager.Request", trace.WithAttributes(
		attribute.String("caller_id", caller.String()),
		attribute.String("callee_id", req.To),
	))
	defer span.End()

	if req.From != "" && req.From != caller.String() {
		return apperr.Validation(op, "caller does not match connection")
	}
	callee, err := uuid.Parse(req.To)
	if err != nil || callee == uuid.Nil {
		return apperr.Validation(op, "invalid callee id")
	}
	if callee == caller {
		return apperr.Validation(op, "cannot call yourself")
	}
	ok, err := m.users.Exists(ctx, callee)
	if err != nil {
		span.RecordError(err)
		return apperr.Storage(op, err)
	}
	if !ok {
		return apperr.NotFound(op, "user not found")
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = defaultCallText
	}
	s := &session{pair: pair{caller, callee}, messageID: uuid.New(), text: text, state: StateRinging, reserving: true}

	// The local busy check and the placeholder share one lock hold. The
	// shared reservation runs unlocked.
	m.mu.Lock()
	if m.byUser[caller] != nil || m.byUser[callee] != nil {
		m.mu.Unlock()
		return apperr.Busy(op, "user is busy")
	}
	m.link(s)
	m.mu.Unlock()

	reserved, err := m.active.Reserve(ctx, caller, callee)
	if err != nil || !reserved {
		m.mu.Lock()
		m.unlink(s)
		m.mu.Unlock()
		if err != nil {
			span.RecordError(err)
			return apperr.Storage(op, err)
		}
		return apperr.Busy(op, "user is busy")
	}

	log := m.log.With(logging.Call(caller, callee))

	m.mu.Lock()
	if m.sessions[s.pair] != s {
		m.mu.Unlock()
		log.InfoContext(ctx, "calls - call withdrawn while reserving")
		m.release(ctx, s.pair)
		return nil
	}
	s.reserving = false
	m.mu.Unlock()

	log.InfoContext(ctx, "calls - ringing")

	if n, err := m.messages.CancelPendingCallRequests(ctx, caller, callee); err != nil {
		log.WarnContext(ctx, "calls - cancel stale call requests failed", logging.Err(err))
	} else if n > 0 {
		log.DebugContext(ctx, "calls - stale call requests cancelled", slog.Int64("count", n))
	}

	msg := model.Message{
		ID:          s.messageID,
		SenderID:    caller,
		RecipientID: callee,
		Text:        text,
		Type:        model.MessageTypeVideoCallRequest,
		Status:      model.StatusPending,
	}
	if err := m.messages.Create(ctx, &msg); err != nil {
		span.RecordError(err)
		log.ErrorContext(ctx, "calls - persist call request failed", logging.Err(err))
		m.take(ctx, s.pair, func(cur *session) bool { return cur == s })
		return apperr.Storage(op, err)
	}
	for _, id := range []uuid.UUID{caller, callee} {
		if err := m.users.AppendMessage(ctx, id, msg.ID); err != nil {
			log.WarnContext(ctx, "calls - link call request failed", logging.User(id), logging.Err(err))
		}
	}

	m.mu.Lock()
	live := m.sessions[s.pair] == s
	state, resolved := s.state, s.status
	if live && state == StateRinging {
		s.timer = time.AfterFunc(m.ringTimeout, func() { m.expire(s) })
	}
	m.mu.Unlock()

	if !live {
		// Resolved while the record was being written. A status written
		// before the record existed was lost; a later one lands on its own.
		log.DebugContext(ctx, "calls - call resolved before ringing started", slog.String("status", string(resolved)))
		if resolved != "" {
			m.writeStatus(ctx, s.messageID, resolved)
		}
		return nil
	}
	if state != StateRinging {
		// Answered while the record was being written.
		log.DebugContext(ctx, "calls - call answered before ringing started")
		msg.Status = model.StatusAccepted
		m.setStatus(ctx, s, model.StatusAccepted)
		m.presence.SendToAllHandles(ctx, caller, protocol.EventMessageSent, protocol.MessageSent{Message: msg, TempID: req.MessageID})
		return nil
	}

	m.presence.SendToAllHandles(ctx, caller, protocol.EventMessageSent, protocol.MessageSent{Message: msg, TempID: req.MessageID})
	if !m.presence.SendToAllHandles(ctx, callee, protocol.EventIncomingCall, m.signal(s, "")) {
		log.InfoContext(ctx, "calls - callee has no live connection")
		notify.Wake(ctx, m.notifier, notify.WakeRequest{
			UserID: callee,
			Reason: notify.ReasonIncomingCall,
			Title:  "Incoming call",
			Body:   text,
			Ref:    msg.ID.String(),
		})
	}
	return nil
}

// Accept answers a ringing call. actor must be the callee.
func (m *Manager) Accept(ctx context.Context, actor uuid.UUID, req protocol.CallPair) error {
	const op = "calls.Accept"
	peer, err := peerOf(op, actor, req)
	if err != nil {
		return err
	}
	s, err := m.advance(pair{caller: peer, callee: actor}, StateRinging, StateAccepted)
	if err != nil {
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: "no ringing call", Err: err}
	}
	m.log.InfoContext(ctx, "calls - accepted", logging.Call(s.caller, s.callee))
	m.setStatus(ctx, s, model.StatusAccepted)
	m.sendBoth(ctx, s, protocol.EventCallAccepted, m.signal(s, ""))
	return nil
}

// Start marks an accepted call as connected. Either party may report it.
func (m *Manager) Start(ctx context.Context, actor uuid.UUID, req protocol.CallPair) error {
	const op = "calls.Start"
	peer, err := peerOf(op, actor, req)
	if err != nil {
		return err
	}
	key, ok := m.pairFor(actor, peer)
	if !ok {
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: "no accepted call", Err: ErrNoSuchCall}
	}
	s, err := m.advance(key, StateAccepted, StateActive)
	if err != nil {
		if st, live := m.StateOf(key.caller, key.callee); live && st == StateActive {
			return nil
		}
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: "no accepted call", Err: err}
	}
	m.log.InfoContext(ctx, "calls - started", logging.Call(s.caller, s.callee))
	m.sendBoth(ctx, s, protocol.EventCallStarted, m.signal(s, ""))
	return nil
}

// Decline rejects a ringing call. actor must be the callee. Declining a
// call that is already resolved is a no-op.
func (m *Manager) Decline(ctx context.Context, actor uuid.UUID, req protocol.CallPair) error {
	peer, err := peerOf("calls.Decline", actor, req)
	if err != nil {
		return err
	}
	s := m.take(ctx, pair{caller: peer, callee: actor}, ringing)
	if s == nil {
		m.log.DebugContext(ctx, "calls - decline - no ringing call", logging.Call(peer, actor))
		return nil
	}
	m.log.InfoContext(ctx, "calls - declined", logging.Call(s.caller, s.callee))
	m.setStatus(ctx, s, model.StatusDeclined)
	m.sendBoth(ctx, s, protocol.EventCallDeclined, m.signal(s, ReasonDeclined))
	return nil
}

// Cancel withdraws a ringing call. actor must be the caller. The callee sees
// a missed call; the caller only gets a cleanup signal.
func (m *Manager) Cancel(ctx context.Context, actor uuid.UUID, req protocol.CallPair) error {
	peer, err := peerOf("calls.Cancel", actor, req)
	if err != nil {
		return err
	}
	s := m.take(ctx, pair{caller: actor, callee: peer}, ringing)
	if s == nil {
		m.log.DebugContext(ctx, "calls - cancel - no ringing call", logging.Call(actor, peer))
		return nil
	}
	m.log.InfoContext(ctx, "calls - cancelled", logging.Call(s.caller, s.callee))
	m.setStatus(ctx, s, model.StatusCancelled)
	m.sendMissed(ctx, s, protocol.EventCallCancelled, ReasonCancelled)
	return nil
}

// End hangs up the actor's call with peer from any state.
func (m *Manager) End(ctx context.Context, actor uuid.UUID, req protocol.CallPair) error {
	peer, err := peerOf("calls.End", actor, req)
	if err != nil {
		return err
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonEnded
	}
	m.endPair(ctx, actor, peer, reason)
	return nil
}

// Fail terminates the actor's call with peer after a media failure.
func (m *Manager) Fail(ctx context.Context, actor uuid.UUID, req protocol.CallPair) error {
	peer, err := peerOf("calls.Fail", actor, req)
	if err != nil {
		return err
	}
	key, ok := m.pairFor(actor, peer)
	if !ok {
		return nil
	}
	s := m.take(ctx, key, nil)
	if s == nil {
		return nil
	}
	m.log.WarnContext(ctx, "calls - failed", logging.Call(s.caller, s.callee), slog.String("error", req.Error))
	m.setStatus(ctx, s, model.StatusFailed)
	sig := m.signal(s, req.Reason)
	sig.Error = req.Error
	m.sendBoth(ctx, s, protocol.EventCallFailed, sig)
	return nil
}

// LeaveChat closes any call between actor and the other participant, cancels
// their pending call requests and resets both clients' call UI.
func (m *Manager) LeaveChat(ctx context.Context, actor uuid.UUID, req protocol.LeaveChat) error {
	const op = "calls.LeaveChat"
	other, err := uuid.Parse(req.WithUser)
	if err != nil || other == uuid.Nil || other == actor {
		return apperr.Validation(op, "invalid user id")
	}
	m.endPair(ctx, actor, other, ReasonLeftChat)
	if _, err := m.messages.CancelPendingCallRequests(ctx, actor, other); err != nil {
		return apperr.Storage(op, err)
	}
	reset := protocol.SessionReset{By: actor}
	m.presence.SendToAllHandles(ctx, actor, protocol.EventSessionReset, reset)
	m.presence.SendToAllHandles(ctx, other, protocol.EventSessionReset, reset)
	return nil
}

// UserOnline satisfies presence.Observer.
func (m *Manager) UserOnline(context.Context, uuid.UUID, time.Time) {}

// UserOffline ends the user's call once their last connection is gone.
func (m *Manager) UserOffline(ctx context.Context, userID uuid.UUID, _ time.Time) {
	m.EndForUser(ctx, userID, ReasonDisconnect)
}

// EndForUser ends whatever call userID is part of.
func (m *Manager) EndForUser(ctx context.Context, userID uuid.UUID, reason string) {
	m.mu.Lock()
	s := m.byUser[userID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.endPair(ctx, userID, s.other(userID), reason)
}

// Close releases every live call without notifying clients.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	live := make([]pair, 0, len(m.sessions))
	for key := range m.sessions {
		live = append(live, key)
	}
	m.mu.Unlock()

	for _, key := range live {
		if s := m.take(ctx, key, nil); s != nil {
			m.setStatus(ctx, s, statusOnEnd(s))
		}
	}
	m.log.InfoContext(ctx, "calls - closed", slog.Int("released", len(live)))
}

func (m *Manager) endPair(ctx context.Context, actor, peer uuid.UUID, reason string) {
	key, ok := m.pairFor(actor, peer)
	if !ok {
		m.log.DebugContext(ctx, "calls - end - no live call", logging.User(actor))
		return
	}
	s := m.take(ctx, key, nil)
	if s == nil {
		return
	}
	m.log.InfoContext(ctx, "calls - ended", logging.Call(s.caller, s.callee),
		slog.String("reason", reason), slog.String("from_state", s.state.String()))
	m.setStatus(ctx, s, statusOnEnd(s))
	m.sendBoth(ctx, s, protocol.EventCallEnded, m.signal(s, reason))
}

// expire fires when the ring timer elapses. It does nothing if s was resolved.
func (m *Manager) expire(s *session) {
	ctx := context.Background()
	cur := m.take(ctx, s.pair, func(cur *session) bool { return cur == s && cur.state == StateRinging })
	if cur == nil {
		return
	}
	m.log.InfoContext(ctx, "calls - ring timeout", logging.Call(s.caller, s.callee))
	m.setStatus(ctx, s, model.StatusMissed)
	m.sendMissed(ctx, s, protocol.EventCallTimeout, ReasonTimeout)
}

// take is the single exit point of a call. It removes the session for key
// when ok accepts it, stops its ring timer and releases the active-call
// entries after unlocking. It returns nil when nothing was removed.
//
// A session still reserving is only removed when ok is nil, and take then
// returns nil: Request owns that reservation and releases it.
func (m *Manager) take(ctx context.Context, key pair, ok func(*session) bool) *session {
	m.mu.Lock()
	s := m.sessions[key]
	if s == nil || (ok != nil && (s.reserving || !ok(s))) {
		m.mu.Unlock()
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	m.unlink(s)
	reserving := s.reserving
	m.mu.Unlock()

	if reserving {
		return nil
	}
	m.release(ctx, key)
	return s
}

// link and unlink must be called with m.mu held.
func (m *Manager) link(s *session) {
	m.sessions[s.pair] = s
	m.byUser[s.caller] = s
	m.byUser[s.callee] = s
}

func (m *Manager) unlink(s *session) {
	if m.sessions[s.pair] == s {
		delete(m.sessions, s.pair)
	}
	if m.byUser[s.caller] == s {
		delete(m.byUser, s.caller)
	}
	if m.byUser[s.callee] == s {
		delete(m.byUser, s.callee)
	}
}

func (m *Manager) release(ctx context.Context, key pair) {
	if err := m.active.Release(ctx, key.caller, key.callee); err != nil {
		m.log.ErrorContext(ctx, "calls - release active call failed", logging.Call(key.caller, key.callee), logging.Err(err))
	}
}

func (m *Manager) advance(key pair, from, to State) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[key]
	if s == nil || s.reserving || s.state != from {
		return nil, ErrNoSuchCall
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = to
	cp := *s
	return &cp, nil
}

// pairFor returns the key of the live call between a and b in either direction.
func (m *Manager) pairFor(a, b uuid.UUID) (pair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byUser[a]
	if s == nil || s.other(a) != b {
		return pair{}, false
	}
	return s.pair, true
}

func ringing(s *session) bool { return s.state == StateRinging }

func statusOnEnd(s *session) model.MessageStatus {
	if s.state == StateRinging {
		return model.StatusCancelled
	}
	return model.StatusEnded
}

func (m *Manager) setStatus(ctx context.Context, s *session, status model.MessageStatus) {
	m.mu.Lock()
	s.status = status
	m.mu.Unlock()
	m.writeStatus(ctx, s.messageID, status)
}

func (m *Manager) writeStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus) {
	if err := m.messages.UpdateStatus(ctx, id, status); err != nil {
		m.log.WarnContext(ctx, "calls - update call request status failed",
			logging.Message(id), slog.String("status", string(status)), logging.Err(err))
	}
}

func (m *Manager) signal(s *session, reason string) protocol.CallSignal {
	id := s.messageID
	return protocol.CallSignal{
		CallerID:  s.caller,
		CalleeID:  s.callee,
		MessageID: &id,
		Text:      s.text,
		Reason:    reason,
		At:        m.now().UnixMilli(),
	}
}

func (m *Manager) sendBoth(ctx context.Context, s *session, event string, sig protocol.CallSignal) {
	m.presence.SendToAllHandles(ctx, s.caller, event, sig)
	m.presence.SendToAllHandles(ctx, s.callee, event, sig)
}

// sendMissed tells the callee about a missed call and gives the caller a
// cleanup signal that must not surface as missed.
func (m *Manager) sendMissed(ctx context.Context, s *session, event, reason string) {
	sig := m.signal(s, reason)
	m.presence.SendToAllHandles(ctx, s.callee, event, sig)
	sig.Notify = protocol.False()
	m.presence.SendToAllHandles(ctx, s.caller, event, sig)
}

// peerOf returns the participant of req that is not actor.
func peerOf(op string, actor uuid.UUID, req protocol.CallPair) (uuid.UUID, error) {
	var ids []uuid.UUID
	for _, raw := range []string{req.From, req.To} {
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, apperr.Validation(op, "invalid user id")
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if id != actor && id != uuid.Nil {
			return id, nil
		}
	}
	return uuid.Nil, apperr.Validation(op, "missing peer id")
}
