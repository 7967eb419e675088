package websocket

import (
	"encoding/json"
	"time"
)

// EventType tags the envelope every frame on a channel carries.
type EventType string

const (
	// Inbound event kinds accepted while a connection is active.
	EventJoinRoom    EventType = "join_room"
	EventMessage     EventType = "message"
	EventTyping      EventType = "typing"
	EventReadReceipt EventType = "read_receipt"

	// Outbound-only event kinds.
	EventUserStatus EventType = "user_status"
	EventError      EventType = "error"
	EventConnected  EventType = "connected"
)

func (t EventType) String() string {
	return string(t)
}

// IsInbound reports whether clients are allowed to send this event kind.
func (t EventType) IsInbound() bool {
	switch t {
	case EventJoinRoom, EventMessage, EventTyping, EventReadReceipt:
		return true
	default:
		return false
	}
}

// Event is the wire envelope: a type tag plus a type-specific payload.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound payloads.
type JoinRoomPayload struct {
	RoomID uint `json:"room_id"`
}

type MessagePayload struct {
	RoomID  uint   `json:"room_id"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

type TypingPayload struct {
	RoomID   uint `json:"room_id"`
	IsTyping bool `json:"is_typing"`
}

type ReadReceiptPayload struct {
	RoomID    uint `json:"room_id"`
	MessageID uint `json:"message_id"`
}

// Outbound payloads.
type MessageEventPayload struct {
	ID        uint      `json:"id"`
	RoomID    uint      `json:"room_id"`
	SenderID  uint      `json:"sender_id"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	Edited    bool      `json:"edited,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingEventPayload struct {
	RoomID    uint      `json:"room_id"`
	UserID    uint      `json:"user_id"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

type UserStatusPayload struct {
	UserID    uint      `json:"user_id"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
	Timestamp time.Time `json:"timestamp"`
}

type ReadReceiptEventPayload struct {
	RoomID    uint      `json:"room_id"`
	UserID    uint      `json:"user_id"`
	MessageID uint      `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       uint   `json:"user_id"`
}

// Error codes echoed back to clients.
const (
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeUnknownEvent     = "UNKNOWN_EVENT"
	CodeRoomAccessDenied = "ROOM_ACCESS_DENIED"
	CodeInternalError    = "INTERNAL_ERROR"
)

func newEvent(eventType EventType, payload interface{}) *Event {
	// Payloads are plain structs; marshaling them cannot fail.
	data, _ := json.Marshal(payload)
	return &Event{Type: eventType, Data: data}
}

func NewMessageEvent(p MessageEventPayload) *Event {
	return newEvent(EventMessage, p)
}

func NewTypingEvent(roomID, userID uint, isTyping bool) *Event {
	return newEvent(EventTyping, TypingEventPayload{
		RoomID:    roomID,
		UserID:    userID,
		IsTyping:  isTyping,
		Timestamp: time.Now().UTC(),
	})
}

func NewUserStatusEvent(userID uint, isOnline bool, lastSeen time.Time) *Event {
	return newEvent(EventUserStatus, UserStatusPayload{
		UserID:    userID,
		IsOnline:  isOnline,
		LastSeen:  lastSeen,
		Timestamp: time.Now().UTC(),
	})
}

func NewReadReceiptEvent(roomID, userID, messageID uint) *Event {
	return newEvent(EventReadReceipt, ReadReceiptEventPayload{
		RoomID:    roomID,
		UserID:    userID,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	})
}

func NewErrorEvent(code, message string) *Event {
	return newEvent(EventError, ErrorPayload{Code: code, Message: message})
}

func NewConnectedEvent(connectionID string, userID uint) *Event {
	return newEvent(EventConnected, ConnectedPayload{ConnectionID: connectionID, UserID: userID})
}

// Encode serializes the envelope once for fan-out.
func (e *Event) Encode() []byte {
	data, _ := json.Marshal(e)
	return data
}
