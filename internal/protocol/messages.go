// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
// Any client message may carry an "ack" id; the server then answers it with
// an "ack" frame echoing that id.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voyago/chat/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom      = "join_room"
	TypeLeaveRoom     = "leave_room"
	TypeSendMessage   = "send_message"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
	TypeAddReaction   = "add_reaction"
	TypeDeleteMessage = "delete_message"
	TypeReportMessage = "report_message"
	TypeModerate      = "moderate_message"
	TypeTogglePin     = "toggle_pin_message"
	TypeGetRooms      = "get_rooms"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated    = "session_created"
	TypeNewMessage        = "new_message"
	TypeReactionAdded     = "reaction_added"
	TypeMessageDeleted    = "message_deleted"
	TypeMessageModerated  = "message_moderated"
	TypeMessagePinToggled = "message_pin_toggled"
	TypeMessageReported   = "message_reported"
	TypeUserJoinedRoom    = "user_joined_room"
	TypeUserLeftRoom      = "user_left_room"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeUserStatusChange  = "user_status_change"
	TypeRoomsList         = "rooms_list"
	TypeRoomHistory       = "room_history"
	TypeEvicted           = "evicted"
	TypeAck               = "ack"
	TypeError             = "error"
	TypePong              = "pong"
)

// Presence statuses carried by user_status_change.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type, the optional ack id, and the raw JSON
// payload for deferred parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Ack  json.RawMessage `json:"ack,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// WantsAck reports whether the client asked for an acknowledgment.
func (e *Envelope) WantsAck() bool {
	return len(e.Ack) > 0 && string(e.Ack) != "null"
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" and "ack" fields so that the
// rest of the payload can be decoded later into the appropriate struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string          `json:"type"`
		Ack  json.RawMessage `json:"ack"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	e.Ack = partial.Ack
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg asks to enter a room.
type JoinRoomMsg struct {
	RoomID string `json:"roomId"`
}

// LeaveRoomMsg asks to leave a room for the current connection only.
type LeaveRoomMsg struct {
	RoomID string `json:"roomId"`
}

// SendMessageMsg posts a message. MessageType defaults to text.
type SendMessageMsg struct {
	RoomID      string           `json:"roomId"`
	Content     string           `json:"content"`
	MessageType chat.MessageType `json:"messageType"`
	ReplyTo     string           `json:"replyTo,omitempty"`
}

// TypingMsg is used by both typing_start and typing_stop.
type TypingMsg struct {
	RoomID string `json:"roomId"`
}

// AddReactionMsg reacts to a message.
type AddReactionMsg struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// DeleteMessageMsg soft-deletes a message.
type DeleteMessageMsg struct {
	MessageID string `json:"messageId"`
}

// ReportMessageMsg files a report against a message.
type ReportMessageMsg struct {
	MessageID   string            `json:"messageId"`
	Reason      chat.ReportReason `json:"reason"`
	Description string            `json:"description,omitempty"`
}

// ModerateMessageMsg marks a message as moderated.
type ModerateMessageMsg struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

// TogglePinMsg flips a message's pinned flag.
type TogglePinMsg struct {
	MessageID string `json:"messageId"`
}

// GetRoomsMsg lists rooms of one type. Page is 1-based.
type GetRoomsMsg struct {
	RoomType chat.RoomType `json:"roomType"`
	Page     int           `json:"page"`
	Limit    int           `json:"limit"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the connection is registered.
type SessionCreatedMsg struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	Resumed   bool     `json:"resumed"`
	Rooms     []string `json:"rooms"`
}

// MessageView is a fully populated message as broadcast to clients.
type MessageView struct {
	chat.Message
	Sender chat.Sender `json:"sender"`
}

// NewMessageMsg carries a newly persisted message.
type NewMessageMsg struct {
	Message MessageView `json:"message"`
}

// ReactionAddedMsg announces a reaction.
type ReactionAddedMsg struct {
	MessageID string          `json:"messageId"`
	RoomID    string          `json:"roomId"`
	Reaction  chat.Reaction   `json:"reaction"`
	Reactions []chat.Reaction `json:"reactions"`
}

// MessageDeletedMsg announces a soft delete.
type MessageDeletedMsg struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	DeletedBy string `json:"deletedBy"`
}

// MessageModeratedMsg announces a moderation.
type MessageModeratedMsg struct {
	MessageID   string `json:"messageId"`
	RoomID      string `json:"roomId"`
	Reason      string `json:"reason"`
	ModeratedBy string `json:"moderatedBy"`
}

// MessagePinToggledMsg announces a pin flip.
type MessagePinToggledMsg struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Pinned    bool   `json:"pinned"`
	ToggledBy string `json:"toggledBy"`
}

// MessageReportedMsg notifies moderators of a new report.
type MessageReportedMsg struct {
	ReportID    string            `json:"reportId"`
	MessageID   string            `json:"messageId"`
	RoomID      string            `json:"roomId"`
	ReporterID  string            `json:"reporterId"`
	Reason      chat.ReportReason `json:"reason"`
	Description string            `json:"description,omitempty"`
}

// UserJoinedRoomMsg announces a user entering a room.
type UserJoinedRoomMsg struct {
	RoomID string      `json:"roomId"`
	User   chat.Sender `json:"user"`
}

// UserLeftRoomMsg announces a user leaving a room.
type UserLeftRoomMsg struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// UserTypingMsg is used by both user_typing and user_stopped_typing.
type UserTypingMsg struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// UserStatusChangeMsg announces presence changes to a room.
type UserStatusChangeMsg struct {
	UserID string    `json:"userId"`
	RoomID string    `json:"roomId"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// RoomsListMsg answers get_rooms.
type RoomsListMsg struct {
	Rooms []*chat.Room `json:"rooms"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
	Total int          `json:"total"`
}

// RoomHistoryMsg replays a room's latest messages to a resumed connection.
type RoomHistoryMsg struct {
	RoomID        string        `json:"roomId"`
	Messages      []MessageView `json:"messages"`
	OnlineMembers []string      `json:"onlineMembers"`
	Pinned        []string      `json:"pinned"`
}

// EvictedMsg is sent right before the server closes a connection.
type EvictedMsg struct {
	Reason string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Success    bool      `json:"success"`
	Code       chat.Code `json:"code"`
	Message    string    `json:"message"`
	RetryAfter int       `json:"retryAfter,omitempty"` // seconds
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the envelope, the decoded struct, and any error encountered
// during parsing. The envelope is returned whenever the type could be read,
// so that failures can still be acknowledged.
func ParseClientMessage(data []byte) (*Envelope, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("protocol: failed to parse message: %w", err)
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
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAddReaction:
		var m AddReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportMessage:
		var m ReportMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeModerate:
		var m ModerateMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTogglePin:
		var m TogglePinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetRooms:
		var m GetRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		msg = PingMsg{}
	default:
		return &env, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return &env, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return &env, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	m, err := toMap(payload)
	if err != nil {
		return nil, err
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// toMap marshals payload to a generic map so fields can be injected.
func toMap(payload interface{}) (map[string]interface{}, error) {
	m := make(map[string]interface{})
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	return m, nil
}

// NewAck builds a successful acknowledgment for ackID. The payload fields
// are merged into the ack frame alongside "success": true.
func NewAck(ackID json.RawMessage, payload interface{}) ([]byte, error) {
	m, err := toMap(payload)
	if err != nil {
		return nil, err
	}
	m["type"] = TypeAck
	m["ack"] = ackID
	m["success"] = true

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal ack: %w", err)
	}
	return out, nil
}

// ErrorPayload converts a classified error into its wire form.
func ErrorPayload(e *chat.Error) ErrorMsg {
	msg := ErrorMsg{Success: false, Code: e.Code, Message: e.Message}
	if e.RetryAfter > 0 {
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		msg.RetryAfter = secs
	}
	return msg
}

// NewAckError builds a failed acknowledgment for ackID.
func NewAckError(ackID json.RawMessage, e *chat.Error) ([]byte, error) {
	m, err := toMap(ErrorPayload(e))
	if err != nil {
		return nil, err
	}
	m["type"] = TypeAck
	m["ack"] = ackID

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal ack: %w", err)
	}
	return out, nil
}

// NewErrorMessage builds an "error" frame for a classified error.
func NewErrorMessage(e *chat.Error) ([]byte, error) {
	return NewServerMessage(TypeError, ErrorPayload(e))
}
