// Package protocol defines the realtime event envelope and payloads.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/apperr"
	"github.com/signalix/realtime/internal/model"
)

// Events consumed from clients.
const (
	EventConnectIdentify = "connect-identify"
	EventSendMessage     = "send-message"
	EventCallRequest     = "video-call-request"
	EventCallAccept      = "video-call-accepted"
	EventCallDecline     = "video-call-declined"
	EventCallCancel      = "video-call-cancel"
	EventCallStart       = "video-call-started"
	EventCallEnd         = "video-call-ended"
	EventCallFail        = "video-call-failed"
	EventLeaveChat       = "leave-chat"
	EventPing            = "ping"
	EventPeerAnnounce    = "peer-address-announce"
	EventPeerHeartbeat   = "peer-heartbeat"
	EventDisconnectUser  = "disconnect-user"
)

// Events produced to clients.
const (
	EventOnlineConfirmed   = "online-confirmed"
	EventNewMessage        = "new-message"
	EventMessageSent       = "message-sent"
	EventUserStatusChanged = "user-status-changed"
	EventIncomingCall      = "incoming-call"
	EventCallAccepted      = "video-call-accepted"
	EventCallDeclined      = "video-call-declined"
	EventCallCancelled     = "video-call-cancelled"
	EventCallTimeout       = "video-call-timeout"
	EventCallStarted       = "video-call-started"
	EventCallEnded         = "video-call-ended"
	EventCallFailed        = "video-call-failed"
	EventCallBusy          = "video-call-busy"
	EventSessionReset      = "video-session-reset"
	EventPeerNeeded        = "peer-address-needed"
	EventPong              = "pong"
	EventError             = "error"
)

// Envelope frames every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals event and payload into an envelope frame.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		data = raw
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses an inbound frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("malformed frame: missing event")
	}
	return env, nil
}

// SendMessage is the send-message request. Image is either an http(s) URL
// or an inline data URI.
type SendMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Image     string `json:"image,omitempty"`
	Type      string `json:"type,omitempty"`
	ProductID string `json:"productId,omitempty"`
}

// MessageSent echoes the saved record with the client's correlation id.
type MessageSent struct {
	model.Message
	TempID string `json:"tempId,omitempty"`
}

// UserStatus is the user-status-changed payload.
type UserStatus struct {
	UserID uuid.UUID `json:"userId"`
	Online bool      `json:"online"`
}

// OnlineConfirmed acknowledges a registered connection.
type OnlineConfirmed struct {
	UserID uuid.UUID `json:"userId"`
	Handle string    `json:"handle"`
}

// CallRequest is the video-call-request payload.
type CallRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	MessageID string `json:"messageId"`
}

// CallPair addresses an existing call from a client.
type CallPair struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CallSignal is sent to clients on every call transition.
type CallSignal struct {
	CallerID  uuid.UUID  `json:"callerId"`
	CalleeID  uuid.UUID  `json:"calleeId"`
	MessageID *uuid.UUID `json:"messageId,omitempty"`
	Text      string     `json:"text,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Error     string     `json:"error,omitempty"`
	At        int64      `json:"at"`
	// Notify is false on caller-side cleanup signals that must not surface as a missed call.
	Notify *bool `json:"notify,omitempty"`
}

// Busy is the video-call-busy payload.
type Busy struct {
	Message string    `json:"message"`
	UserID  uuid.UUID `json:"userId"`
}

// LeaveChat is the leave-chat payload.
type LeaveChat struct {
	WithUser string `json:"withUser"`
}

// SessionReset is the video-session-reset payload.
type SessionReset struct {
	By uuid.UUID `json:"by"`
}

// PeerAnnounce is the peer-address-announce payload.
type PeerAnnounce struct {
	PeerID string `json:"peerId"`
}

// PeerNeeded asks a client to re-announce its peer address.
type PeerNeeded struct {
	UserID uuid.UUID `json:"userId"`
}

// Error reports a failure to the originating connection only.
type Error struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
	Event   string      `json:"event,omitempty"`
	Ref     string      `json:"ref,omitempty"`
}

// False is a convenience for CallSignal.Notify.
func False() *bool {
	f := false
	return &f
}
