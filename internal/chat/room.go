// Package chat holds the domain model of the travel chat layer: rooms,
// messages, users, the error taxonomy surfaced to clients, and the store
// ports the realtime pipelines depend on.
package chat

import "time"

// RoomType is the kind of a room, which decides who may join it.
type RoomType string

const (
	RoomPublic        RoomType = "public"
	RoomPrivate       RoomType = "private"        // subscription-gated
	RoomTravelPartner RoomType = "travel_partner" // destination rooms
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	switch t {
	case RoomPublic, RoomPrivate, RoomTravelPartner:
		return true
	}
	return false
}

// Role is a member's role inside one room.
type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Permission names a room-scoped capability.
type Permission string

const (
	PermDeleteMessages   Permission = "delete_messages"
	PermModerateMessages Permission = "moderate_messages"
	PermPinMessages      Permission = "pin_messages"
)

// rolePermissions maps each role to the capabilities it grants.
var rolePermissions = map[Role]map[Permission]bool{
	RoleMember: {},
	RoleModerator: {
		PermDeleteMessages:   true,
		PermModerateMessages: true,
		PermPinMessages:      true,
	},
	RoleAdmin: {
		PermDeleteMessages:   true,
		PermModerateMessages: true,
		PermPinMessages:      true,
	},
}

// Grants reports whether the role carries perm.
func (r Role) Grants(perm Permission) bool {
	return rolePermissions[r][perm]
}

// Member is one persisted room membership.
type Member struct {
	UserID     string    `json:"userId"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastReadAt time.Time `json:"lastReadAt,omitempty"`
}

// Room is a chat room as recorded by the room store.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         RoomType  `json:"type"`
	Destination  string    `json:"destination,omitempty"`
	Members      []Member  `json:"members,omitempty"`
	MessageCount int64     `json:"messageCount"`
	LastActivity time.Time `json:"lastActivity"`
	Active       bool      `json:"active"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MemberRole returns the role userID holds in the room. The creator is
// always an admin, even if the members list was not loaded.
func (r *Room) MemberRole(userID string) (Role, bool) {
	for _, m := range r.Members {
		if m.UserID == userID {
			return m.Role, true
		}
	}
	if r.CreatedBy != "" && r.CreatedBy == userID {
		return RoleAdmin, true
	}
	return "", false
}

// IsMember reports whether userID is a persisted member of the room.
func (r *Room) IsMember(userID string) bool {
	_, ok := r.MemberRole(userID)
	return ok
}

// MemberIDs returns the user ids of every persisted member.
func (r *Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}
