// Package presencetest provides recording connections for tests.
package presencetest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/signalix/realtime/internal/protocol"
)

// Conn records every frame sent to it.
type Conn struct {
	handle string

	mu     sync.Mutex
	frames []protocol.Envelope
	closed bool
}

// NewConn returns a Conn with a fresh handle.
func NewConn() *Conn {
	return &Conn{handle: ulid.Make().String()}
}

func (c *Conn) Handle() string { return c.handle }

func (c *Conn) Send(frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.frames = append(c.frames, env)
	return nil
}

// Close makes subsequent sends fail.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Events returns every received envelope named event.
func (c *Conn) Events(event string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.frames {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// Count returns how many envelopes named event were received.
func (c *Conn) Count(event string) int {
	return len(c.Events(event))
}

// Last decodes the data of the most recent envelope named event into v.
// It reports false when no such envelope was received.
func (c *Conn) Last(event string, v any) bool {
	events := c.Events(event)
	if len(events) == 0 {
		return false
	}
	return json.Unmarshal(events[len(events)-1].Data, v) == nil
}

// Names returns the event names received, in order.
func (c *Conn) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.frames))
	for _, env := range c.frames {
		names = append(names, env.Event)
	}
	return names
}
