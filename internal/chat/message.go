package chat

import "time"

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText          MessageType = "text"
	MessageImage         MessageType = "image"
	MessageFile          MessageType = "file"
	MessageSystem        MessageType = "system"
	MessageTravelRequest MessageType = "travel_request"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem, MessageTravelRequest:
		return true
	}
	return false
}

// MessageState tracks soft deletion and moderation. Messages are never
// removed from the store.
type MessageState string

const (
	StateActive    MessageState = "active"
	StateDeleted   MessageState = "deleted"
	StateModerated MessageState = "moderated"
)

// Reaction is one emoji reaction left by a user.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is a persisted chat message.
type Message struct {
	ID               string       `json:"id"`
	RoomID           string       `json:"roomId"`
	Seq              int64        `json:"seq"` // per-room order of persistence
	SenderID         string       `json:"senderId"`
	Content          string       `json:"content"`
	Type             MessageType  `json:"type"`
	ReplyTo          string       `json:"replyTo,omitempty"`
	Reactions        []Reaction   `json:"reactions"`
	State            MessageState `json:"state"`
	Pinned           bool         `json:"pinned"`
	ModerationReason string       `json:"moderationReason,omitempty"`
	ModeratedBy      string       `json:"moderatedBy,omitempty"`
	DeletedBy        string       `json:"deletedBy,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// HasReaction reports whether userID already reacted with emoji.
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// ReportReason is the category a user picks when reporting a message.
type ReportReason string

const (
	ReasonSpam          ReportReason = "spam"
	ReasonHarassment    ReportReason = "harassment"
	ReasonInappropriate ReportReason = "inappropriate"
	ReasonOther         ReportReason = "other"
)

// Valid reports whether r is an accepted report reason.
func (r ReportReason) Valid() bool {
	switch r {
	case ReasonSpam, ReasonHarassment, ReasonInappropriate, ReasonOther:
		return true
	}
	return false
}

// Report is a user report against a message.
type Report struct {
	ID             string       `json:"id"`
	MessageID      string       `json:"messageId"`
	RoomID         string       `json:"roomId"`
	ReporterID     string       `json:"reporterId"`
	ReportedUserID string       `json:"reportedUserId"`
	Reason         ReportReason `json:"reason"`
	Description    string       `json:"description,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}
