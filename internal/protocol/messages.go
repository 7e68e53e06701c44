// Package protocol defines the WebSocket event vocabulary exchanged
// between support-chat clients and the server. All events are serialized
// as JSON with a "type" discriminator. The event names and the message
// wire envelope field names are part of the public contract with the
// storefront frontend and must not change.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinRoom    = "JOIN_ROOM"
	TypeLeaveRoom   = "LEAVE_ROOM"
	TypeNewMessage  = "NEW_MESSAGE"
	TypeStartTyping = "START_TYPING"
	TypeStopTyping  = "STOP_TYPING"
	TypePing        = "ping"
)

// Server -> Client event types. NEW_MESSAGE and the typing events are
// bidirectional: the server relays them back out to room subscribers.
const (
	TypeOnlineUsers       = "ONLINE_USERS"
	TypeUserStatusChanged = "USER_STATUS_CHANGED"
	TypeMessageAck        = "MESSAGE_ACK"
	TypeError             = "error"
	TypePong              = "pong"
)

// Ack status markers for MESSAGE_ACK.
const (
	AckStatusOK        = "ok"
	AckStatusRateLimit = "rate_limit"
)

// Presence status values for USER_STATUS_CHANGED.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Envelope: initial parse to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Message wire envelope
// ---------------------------------------------------------------------------

// SenderRef is the resolved sender of a persisted message. Upstream
// clients historically saw the sender sometimes as an object and
// sometimes as a bare id string; the wire contract here is always the
// object form, resolved at the system boundary.
type SenderRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// MessageEnvelope is the wire shape of a persisted message, used both in
// NEW_MESSAGE broadcasts and in ok-acks. CreatedAt is ISO-8601.
type MessageEnvelope struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    SenderRef `json:"sender"`
	Chat      string    `json:"chat"`
	CreatedAt string    `json:"createdAt"`
}

// FormatTime renders a timestamp in the envelope's ISO-8601 form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinRoomMsg subscribes the connection to a conversation's room.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// LeaveRoomMsg unsubscribes the connection from a conversation's room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// NewMessageMsg carries a message to persist and broadcast. AckID, when
// non-empty, requests a MESSAGE_ACK correlated by the same id; the server
// sends exactly one ack per AckID, in one of three shapes (ok, error,
// rate_limit).
type NewMessageMsg struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
	AckID   string `json:"ackId,omitempty"`
}

// TypingMsg is a fire-and-forget typing indicator, never persisted. On
// the way in UserID is empty; the server stamps the sender's identity
// before relaying it to the room.
type TypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	UserID string `json:"userId,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// OnlineUsersMsg is the one-shot presence snapshot sent to a connection
// right after its registration.
type OnlineUsersMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// UserStatusChangedMsg announces a presence transition. It fires exactly
// once per true 0<->1 connection-count edge of an identity, never per
// connection.
type UserStatusChangedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ServerNewMessageMsg is a room broadcast of a persisted message.
type ServerNewMessageMsg struct {
	Type    string          `json:"type"`
	Message MessageEnvelope `json:"message"`
}

// MessageAckMsg is the per-call acknowledgment for NEW_MESSAGE. Exactly
// one of three shapes is sent: {status:"ok", ...message fields},
// {error:"..."}, or {status:"rate_limit"}. The embedded envelope's
// fields are flattened into the ack object on the ok path.
type MessageAckMsg struct {
	Type   string `json:"type"`
	AckID  string `json:"ackId"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	*MessageEnvelope
}

// ErrorMsg communicates an error for events that carry no ack.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client
// event. It returns the event type, the decoded struct, and any error.
// Server-only and unknown event types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartTyping, TypeStopTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage JSON-encodes a server event, injecting msgType under
// the "type" key. The payload should be one of the server event structs.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
