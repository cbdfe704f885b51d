// Package protocol defines the WebSocket event types and structures used for
// communication between the client and server. Every frame is a JSON object
// with a "type" discriminator naming the event and a "data" field carrying
// the event payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server event names.
const (
	TypeIdentify    = "identify"
	TypeChatMessage = "chat_message"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeRoomMessage = "room_message"
	TypeCustomEvent = "custom_event"
)

// Server -> Client event names.
const (
	TypeConnected      = "connected"
	TypeUserCount      = "user_count"
	TypeCustomResponse = "custom_response"
	// TypeChatMessage and TypeRoomMessage are also sent server -> client.
)

// ErrUnknownEvent is returned by ParseClientEvent for event names the server
// does not handle.
var ErrUnknownEvent = errors.New("protocol: unknown client event")

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event name and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It requires a
// non-empty "type" field and keeps "data" raw so that it can be decoded
// later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.Data = partial.Data
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// ClientEvent is the closed set of events a client may send. The concrete
// types below are the only implementations.
type ClientEvent interface {
	EventName() string
	clientEvent()
}

// IdentifyEvent attaches user identity metadata to the sending connection.
type IdentifyEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ChatMessageEvent is a chat line to be broadcast to every connection.
// Username is optional; the server substitutes a default when it is empty.
type ChatMessageEvent struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
}

// JoinRoomEvent asks the server to add the sender to a room.
type JoinRoomEvent struct {
	Room string `json:"room"`
}

// LeaveRoomEvent asks the server to remove the sender from a room.
type LeaveRoomEvent struct {
	Room string `json:"room"`
}

// RoomMessageEvent is a chat line delivered only to the members of Room.
type RoomMessageEvent struct {
	Room     string `json:"room"`
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
}

// CustomEvent carries an arbitrary JSON payload. The server echoes it back
// to the sender inside a custom_response.
type CustomEvent struct {
	Data json.RawMessage
}

func (IdentifyEvent) EventName() string { return TypeIdentify }
func (ChatMessageEvent) EventName() string { return TypeChatMessage }
func (JoinRoomEvent) EventName() string { return TypeJoinRoom }
func (LeaveRoomEvent) EventName() string { return TypeLeaveRoom }
func (RoomMessageEvent) EventName() string { return TypeRoomMessage }
func (CustomEvent) EventName() string { return TypeCustomEvent }

func (IdentifyEvent) clientEvent() {}
func (ChatMessageEvent) clientEvent() {}
func (JoinRoomEvent) clientEvent() {}
func (LeaveRoomEvent) clientEvent() {}
func (RoomMessageEvent) clientEvent() {}
func (CustomEvent) clientEvent() {}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectedMsg greets a new connection with its server-assigned ID.
type ConnectedMsg struct {
	ID string `json:"id"`
}

// CustomResponseMsg is the reply to a custom_event.
type CustomResponseMsg struct {
	Status       string          `json:"status"`
	OriginalData json.RawMessage `json:"originalData"`
	Timestamp    string          `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event. It
// returns the event name, the decoded event, and any error encountered. The
// event name is returned even when decoding fails so callers can log it.
func ParseClientEvent(data []byte) (string, ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		ev  ClientEvent
		err error
	)

	switch env.Type {
	case TypeIdentify:
		var m IdentifyEvent
		err = decodeObject(env.Data, &m)
		ev = m
	case TypeChatMessage:
		var m ChatMessageEvent
		if err = decodeObject(env.Data, &m); err == nil {
			err = requireField("text", m.Text)
		}
		ev = m
	case TypeJoinRoom:
		var m JoinRoomEvent
		if err = decodeObject(env.Data, &m); err == nil {
			err = requireField("room", m.Room)
		}
		ev = m
	case TypeLeaveRoom:
		var m LeaveRoomEvent
		if err = decodeObject(env.Data, &m); err == nil {
			err = requireField("room", m.Room)
		}
		ev = m
	case TypeRoomMessage:
		var m RoomMessageEvent
		if err = decodeObject(env.Data, &m); err == nil {
			err = requireField("room", m.Room)
		}
		if err == nil {
			err = requireField("text", m.Text)
		}
		ev = m
	case TypeCustomEvent:
		payload := env.Data
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		ev = CustomEvent{Data: append(json.RawMessage(nil), payload...)}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: invalid %q payload: %w", env.Type, err)
	}
	return env.Type, ev, nil
}

// decodeObject decodes a payload that must be a JSON object.
func decodeObject(raw json.RawMessage, v interface{}) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return fmt.Errorf("missing payload")
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("payload must be a JSON object")
	}
	return json.Unmarshal(raw, v)
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing or empty %q field", name)
	}
	return nil
}

// NewServerMessage creates the JSON frame for a server -> client event. The
// payload may be any JSON-marshalable value, including scalars such as the
// user count.
func NewServerMessage(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	out, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewClientMessage creates the JSON frame for a client -> server event.
func NewClientMessage(eventType string, payload interface{}) ([]byte, error) {
	return NewServerMessage(eventType, payload)
}
