package chat

import (
	"context"
	"time"
)

// RoomStore persists rooms and their memberships.
// Lookups of missing rooms return ErrNotFound.
type RoomStore interface {
	Create(ctx context.Context, room *Room) error
	FindByID(ctx context.Context, id string) (*Room, error)
	// FindByType returns one page of active rooms of the given type and the
	// total number of matching rooms.
	FindByType(ctx context.Context, roomType RoomType, page, limit int) ([]*Room, int, error)
	FindByDestination(ctx context.Context, destination string) ([]*Room, error)
	// FindByMember returns every room userID is a persisted member of.
	FindByMember(ctx context.Context, userID string) ([]*Room, error)
	AddMember(ctx context.Context, roomID, userID string, role Role) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	IncrementMessageCount(ctx context.Context, roomID string) error
	UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error
}

// MessageStore persists messages. Deletion is always soft.
type MessageStore interface {
	Create(ctx context.Context, msg *Message) error
	FindByID(ctx context.Context, id string) (*Message, error)
	// FindByRoom returns page (1-based, newest first pagination) of a room's
	// messages ordered oldest to newest within the page.
	FindByRoom(ctx context.Context, roomID string, page, limit int) ([]*Message, error)
	// LatestSeq returns the highest sequence number stored for the room,
	// deleted messages included, or 0 for an empty room.
	LatestSeq(ctx context.Context, roomID string) (int64, error)
	// AddReaction records a reaction; a repeated (user, emoji) pair is a no-op.
	AddReaction(ctx context.Context, messageID string, reaction Reaction) (*Message, error)
	SoftDelete(ctx context.Context, messageID, deletedBy string) (*Message, error)
	Report(ctx context.Context, report *Report) error
	Moderate(ctx context.Context, messageID, moderatorID, reason string) (*Message, error)
	TogglePin(ctx context.Context, messageID string) (*Message, error)
}

// UserStore resolves identities.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*User, error)
	// FindByRole returns every user holding the platform role, by id.
	FindByRole(ctx context.Context, role PlatformRole) ([]*User, error)
}
