package wire

import "time"

// MessageKind classifies chat message content.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageFile   MessageKind = "file"
	MessageLink   MessageKind = "link"
	MessageSystem MessageKind = "system"
)

// ChatMessage is one unit of conversation content. The id is assigned by the
// server and is strictly increasing within a room; clients never assign it.
// Deletes are soft: the row stays in the stream with DeletedAt set.
type ChatMessage struct {
	ID         int64               `json:"id"`
	RoomID     string              `json:"room_id"`
	SenderID   string              `json:"sender_id"`
	SenderName string              `json:"sender_name"`
	Content    string              `json:"content"`
	Kind       MessageKind         `json:"kind"`
	CreatedAt  time.Time           `json:"created_at"`
	EditedAt   *time.Time          `json:"edited_at,omitempty"`
	DeletedAt  *time.Time          `json:"deleted_at,omitempty"`
	Reactions  map[string][]string `json:"reactions,omitempty"` // emoji -> user ids
}

// —— client -> server payloads ——

type JoinPayload struct {
	RoomID string `json:"room_id"`
}

type LeavePayload struct {
	RoomID string `json:"room_id"`
}

type SendMessagePayload struct {
	RoomID  string      `json:"room_id"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"kind"`
}

type EditMessagePayload struct {
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
}

// TypingEvent is used in both directions: the client sends only the room,
// the server relay fills in who is typing.
type TypingEvent struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// ReadMarkPayload marks read up to MessageID, or to the latest when zero.
type ReadMarkPayload struct {
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id,omitempty"`
}

type ReactionPayload struct {
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// —— server -> client payloads ——

type MessageEdited struct {
	RoomID    string    `json:"room_id"`
	MessageID int64     `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

type MessageDeleted struct {
	RoomID    string    `json:"room_id"`
	MessageID int64     `json:"message_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

type ReadReceipt struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	MessageID int64     `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

type ReactionEvent struct {
	RoomID    string `json:"room_id"`
	MessageID int64  `json:"message_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
	Emoji     string `json:"emoji"`
}

type PresenceEvent struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type RoomEvent struct {
	RoomID string `json:"room_id"`
}

type ParticipantEvent struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// AckPayload answers an ack-requiring request. The correlating id travels in
// the frame envelope, not here.
type AckPayload struct {
	Success bool      `json:"success"`
	Room    *RoomInfo `json:"room,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type RoomInfo struct {
	RoomID   string   `json:"room_id"`
	Archived bool     `json:"archived,omitempty"`
	Members  []string `json:"members,omitempty"`
}

// —— connection lifecycle payloads ——

type ConnEstablished struct {
	ConnID   string `json:"conn_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type ConnClosed struct {
	Reason string `json:"reason,omitempty"`
}

type ConnError struct {
	Error string `json:"error"`
}
