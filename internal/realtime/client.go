package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/signalix/realtime/internal/logging"
)

var (
	// ErrClientClosed is returned by Send after the client shut down.
	ErrClientClosed = errors.New("client closed")
	// ErrSlowClient is returned when the outbound buffer is full; the client is closed.
	ErrSlowClient = errors.New("client send buffer full")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Client is one websocket connection. Frames are written by a single
// goroutine; Send never blocks.
type Client struct {
	handle string
	userID uuid.UUID
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	once   sync.Once
	ping   time.Duration
	log    *slog.Logger
}

func newClient(parent context.Context, conn *websocket.Conn, userID uuid.UUID, ping time.Duration, log *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		handle: ulid.Make().String(),
		userID: userID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, sendBuffer),
		ping:   ping,
	}
	c.log = log.With(logging.Handle(c.handle))
	go c.writeLoop()
	return c
}

func (c *Client) Handle() string        { return c.handle }
func (c *Client) UserID() uuid.UUID     { return c.userID }
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// Send queues frame for writing.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.ctx.Done():
		return ErrClientClosed
	default:
		c.log.Warn("realtime - client - send buffer full, closing")
		c.Close()
		return ErrSlowClient
	}
}

// Close stops the write loop and closes the socket. It is safe to call repeatedly.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

// closeWith sends a close frame before closing.
func (c *Client) closeWith(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	c.Close()
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.ping)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("realtime - client - write failed", logging.Err(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("realtime - client - ping failed", logging.Err(err))
				return
			}
		}
	}
}
