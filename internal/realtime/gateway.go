// Package realtime serves the websocket gateway: it binds authenticated
// connections to the presence registry and dispatches client events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalix/realtime/internal/apperr"
	"github.com/signalix/realtime/internal/calls"
	"github.com/signalix/realtime/internal/logging"
	"github.com/signalix/realtime/internal/messaging"
	"github.com/signalix/realtime/internal/middleware"
	"github.com/signalix/realtime/internal/peers"
	"github.com/signalix/realtime/internal/presence"
	"github.com/signalix/realtime/internal/protocol"
)

var tracer = otel.Tracer("realtime-gateway")

const defaultPingInterval = 25 * time.Second

// Options tunes the gateway.
type Options struct {
	PingInterval time.Duration
	// AllowAnyOrigin disables the same-origin check on upgrade.
	AllowAnyOrigin bool
}

// Gateway upgrades authenticated requests and runs one read loop per connection.
type Gateway struct {
	registry *presence.Registry
	messages *messaging.Engine
	calls    *calls.Manager
	peers    *peers.Directory
	limiter  *middleware.RateLimiter
	upgrader websocket.Upgrader
	ping     time.Duration
	log      *slog.Logger
}

// NewGateway creates a new Gateway. limiter throttles send-message per user.
func NewGateway(
	log *slog.Logger,
	registry *presence.Registry,
	messages *messaging.Engine,
	callManager *calls.Manager,
	directory *peers.Directory,
	limiter *middleware.RateLimiter,
	opts Options,
) *Gateway {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	g := &Gateway{
		registry: registry,
		messages: messages,
		calls:    callManager,
		peers:    directory,
		limiter:  limiter,
		ping:     opts.PingInterval,
		log:      log,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return opts.AllowAnyOrigin || sameOrigin(r)
		},
	}
	return g
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP must run behind middleware.AuthMiddleware.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized: User ID missing", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		logging.FromContext(r.Context()).WarnContext(r.Context(), "realtime - upgrade failed", logging.User(userID), logging.Err(err))
		return
	}

	// The session outlives the request context once hijacked.
	ctx, span := tracer.Start(context.WithoutCancel(r.Context()), "Gateway.Session", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	log := g.log.With(logging.User(userID))
	client := newClient(ctx, conn, userID, g.ping, log)
	defer client.Close()
	ctx = logging.WithContext(ctx, client.log)
	span.SetAttributes(attribute.String("ws.handle", client.Handle()))

	if err := g.registry.Register(ctx, userID, client); err != nil {
		span.RecordError(err)
		client.log.ErrorContext(ctx, "realtime - register failed", logging.Err(err))
		client.closeWith(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	defer g.registry.Unregister(ctx, client.Handle())

	g.registry.SendToHandle(ctx, client.Handle(), protocol.EventOnlineConfirmed,
		protocol.OnlineConfirmed{UserID: userID, Handle: client.Handle()})
	client.log.InfoContext(ctx, "realtime - connection established")

	g.readLoop(ctx, client)
	client.log.InfoContext(ctx, "realtime - connection closed")
}

func (g *Gateway) readLoop(ctx context.Context, c *Client) {
	pongWait := 2 * g.ping
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		g.registry.Heartbeat(ctx, c.userID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.DebugContext(ctx, "realtime - unexpected close", logging.Err(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if len(data) == 0 {
			continue
		}
		if !g.handle(ctx, c, data) {
			return
		}
	}
}

// handle dispatches one frame. It reports false when the connection should close.
func (g *Gateway) handle(ctx context.Context, c *Client, frame []byte) (keep bool) {
	var env protocol.Envelope
	defer func() {
		if rec := recover(); rec != nil {
			c.log.ErrorContext(ctx, "realtime - handler panic", logging.Event(env.Event), slog.Any("panic", rec))
			g.reply(ctx, c, env.Event, "", fmt.Errorf("panic: %v", rec))
			keep = true
		}
	}()

	env, err := protocol.Decode(frame)
	if err != nil {
		g.reply(ctx, c, "", "", apperr.Validation("realtime.decode", "malformed frame"))
		return true
	}

	ref, err := g.dispatch(ctx, c, env)
	if errors.Is(err, errLogout) {
		c.closeWith(websocket.CloseNormalClosure, "logged out")
		return false
	}
	if err != nil {
		if env.Event == protocol.EventCallRequest && apperr.Is(err, apperr.KindBusy) {
			g.replyBusy(ctx, c, env, err)
			return true
		}
		g.reply(ctx, c, env.Event, ref, err)
	}
	return true
}

var errLogout = errors.New("logout")

// dispatch routes env to its service. ref is echoed in error replies.
func (g *Gateway) dispatch(ctx context.Context, c *Client, env protocol.Envelope) (string, error) {
	switch env.Event {
	case protocol.EventConnectIdentify:
		var req struct {
			UserID string `json:"userId"`
		}
		if err := decode(env, &req); err != nil {
			return "", err
		}
		if req.UserID != "" && req.UserID != c.userID.String() {
			return "", apperr.Validation("realtime.identify", "identity does not match credential")
		}
		g.registry.SendToHandle(ctx, c.Handle(), protocol.EventOnlineConfirmed,
			protocol.OnlineConfirmed{UserID: c.userID, Handle: c.Handle()})
		return "", nil

	case protocol.EventSendMessage:
		var req protocol.SendMessage
		if err := decode(env, &req); err != nil {
			return "", err
		}
		if g.limiter != nil && !g.limiter.Allow("user:"+c.userID.String()) {
			return req.ID, apperr.Validation("realtime.send", "rate limit exceeded")
		}
		_, err := g.messages.Send(ctx, c.userID, req)
		return req.ID, err

	case protocol.EventCallRequest:
		var req protocol.CallRequest
		if err := decode(env, &req); err != nil {
			return "", err
		}
		return req.MessageID, g.calls.Request(ctx, c.userID, req)

	case protocol.EventCallAccept, protocol.EventCallDecline, protocol.EventCallCancel,
		protocol.EventCallStart, protocol.EventCallEnd, protocol.EventCallFail:
		var req protocol.CallPair
		if err := decode(env, &req); err != nil {
			return "", err
		}
		return "", g.callTransition(ctx, c.userID, env.Event, req)

	case protocol.EventLeaveChat:
		var req protocol.LeaveChat
		if err := decode(env, &req); err != nil {
			return "", err
		}
		return "", g.calls.LeaveChat(ctx, c.userID, req)

	case protocol.EventPing:
		g.registry.Heartbeat(ctx, c.userID)
		g.registry.SendToHandle(ctx, c.Handle(), protocol.EventPong, map[string]int64{"at": time.Now().UnixMilli()})
		return "", nil

	case protocol.EventPeerAnnounce:
		var req protocol.PeerAnnounce
		if err := decode(env, &req); err != nil {
			return "", err
		}
		_, err := g.peers.Set(ctx, c.userID, req.PeerID)
		return "", err

	case protocol.EventPeerHeartbeat:
		_, err := g.peers.Heartbeat(ctx, c.userID)
		return "", err

	case protocol.EventDisconnectUser:
		return "", errLogout

	default:
		return "", apperr.Validation("realtime.dispatch", "unknown event")
	}
}

func (g *Gateway) callTransition(ctx context.Context, userID uuid.UUID, event string, req protocol.CallPair) error {
	switch event {
	case protocol.EventCallAccept:
		return g.calls.Accept(ctx, userID, req)
	case protocol.EventCallDecline:
		return g.calls.Decline(ctx, userID, req)
	case protocol.EventCallCancel:
		return g.calls.Cancel(ctx, userID, req)
	case protocol.EventCallStart:
		return g.calls.Start(ctx, userID, req)
	case protocol.EventCallEnd:
		return g.calls.End(ctx, userID, req)
	default:
		return g.calls.Fail(ctx, userID, req)
	}
}

func decode(env protocol.Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return apperr.Validation("realtime.decode", "malformed "+env.Event+" payload")
	}
	return nil
}

// reply reports err to the originating connection only.
func (g *Gateway) reply(ctx context.Context, c *Client, event, ref string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindStorage {
		c.log.ErrorContext(ctx, "realtime - event failed", logging.Event(event), logging.Err(err))
	} else {
		c.log.DebugContext(ctx, "realtime - event rejected", logging.Event(event), slog.String("kind", string(kind)), logging.Err(err))
	}
	g.registry.SendToHandle(ctx, c.Handle(), protocol.EventError, protocol.Error{
		Kind:    kind,
		Message: apperr.Message(err),
		Event:   event,
		Ref:     ref,
	})
}

// replyBusy tells the requesting connection its callee is already in a call.
func (g *Gateway) replyBusy(ctx context.Context, c *Client, env protocol.Envelope, err error) {
	var req protocol.CallRequest
	_ = json.Unmarshal(env.Data, &req)
	callee, _ := uuid.Parse(req.To)
	g.registry.SendToHandle(ctx, c.Handle(), protocol.EventCallBusy, protocol.Busy{
		Message: apperr.Message(err),
		UserID:  callee,
	})
}
