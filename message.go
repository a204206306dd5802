package feltwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types dispatched by the broker core.
const (
	TypeAuth       = "auth"
	TypeLogout     = "logout"
	TypeCreateRoom = "create_room"
	TypeJoinRoom   = "join_room"
	TypeLeaveRoom  = "leave_room"
	TypeListRooms  = "list_rooms"
	TypeTestEcho   = "test_echo"
	TypePing       = "ping"
	TypeRequest    = "request"
	TypeRoomInfo   = "room_info"
	TypeUserList   = "user_list"
	TypeError      = "error"
)

// Canonical response types.
const (
	TypeAuthResponse       = "auth_response"
	TypeLogoutResponse     = "logout_response"
	TypeCreateRoomResponse = "create_room_response"
	TypeJoinRoomResponse   = "join_room_response"
	TypeLeaveRoomResponse  = "leave_room_response"
	TypeListRoomsResponse  = "list_rooms_response"
	TypeTestEchoResponse   = "test_echo_response"
	TypePong               = "pong"
	TypeRoomInfoResponse   = "room_info_response"
	TypeUserListResponse   = "user_list_response"
)

// Server-pushed (unsolicited) event types.
const (
	EventConnected        = "connected"
	EventUserJoinedRoom   = "user_joined_room"
	EventUserLeftRoom     = "user_left_room"
	EventRoomCreated      = "room_created"
	EventSessionDisplaced = "session_displaced"
)

// MaxMessageSize is the maximum size of a single wire frame. Frames
// larger than this are rejected before decoding.
const MaxMessageSize = 64 * 1024

// Message is the wire envelope, used both on the socket and as the unit
// exchanged with the broker core. Data is opaque: either a bare JSON
// string or an object with operation-specific keys.
type Message struct {
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Room      string          `json:"room,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// DecodeData unmarshals the message payload into v.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data")
	}
	return json.Unmarshal(m.Data, v)
}

// DataString returns the payload as a plain string, accepting either a
// bare JSON string or raw text.
func (m *Message) DataString() string {
	if len(m.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}

// NewResponse builds a successful response of the given type, echoing the
// caller's correlation id.
func NewResponse(msgType, requestID string, data any) *Message {
	return &Message{
		Type:      msgType,
		RequestID: requestID,
		Data:      marshalData(data),
		Success:   true,
		Timestamp: time.Now(),
	}
}

// NewErrorResponse builds a failed response carrying a human-readable
// reason.
func NewErrorResponse(msgType, requestID, errMsg string) *Message {
	return &Message{
		Type:      msgType,
		RequestID: requestID,
		Success:   false,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
}

// NewEvent builds a server-pushed notification.
func NewEvent(event string, data any) *Message {
	return &Message{
		Type:      event,
		Event:     event,
		Data:      marshalData(data),
		Success:   true,
		Timestamp: time.Now(),
	}
}

// EncodeMessage serializes a message for the wire.
func EncodeMessage(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("encoded message size %d exceeds maximum %d bytes", len(data), MaxMessageSize)
	}
	return data, nil
}

// DecodeMessage parses one wire frame. A frame over MaxMessageSize or
// without a type is rejected.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d bytes", len(data), MaxMessageSize)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return nil, errors.New("message is missing a type")
	}
	return &m, nil
}

func marshalData(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
