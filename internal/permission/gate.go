// Package permission decides whether a user may act on a room or message.
// Every mutating pipeline consults the Gate before touching a store.
package permission

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/chat"
)

// BanChecker reports posting bans. It matches ban.Store.
type BanChecker interface {
	IsBanned(ctx context.Context, userID string) (bool, int, string, error)
}

// Gate evaluates room access and moderation rights.
type Gate struct {
	rooms chat.RoomStore
	users chat.UserStore
	bans  BanChecker // optional
	now   func() time.Time
}

// NewGate creates a Gate. bans may be nil when mutes are not enforced.
func NewGate(rooms chat.RoomStore, users chat.UserStore, bans BanChecker) *Gate {
	return &Gate{rooms: rooms, users: users, bans: bans, now: time.Now}
}

// Room loads a room, mapping a missing room to NOT_FOUND.
func (g *Gate) Room(ctx context.Context, roomID string) (*chat.Room, error) {
	room, err := g.rooms.FindByID(ctx, roomID)
	if err != nil {
		return nil, chat.StoreError(err, "room")
	}
	return room, nil
}

func (g *Gate) user(ctx context.Context, userID string) (*chat.User, error) {
	u, err := g.users.FindByID(ctx, userID)
	if err != nil {
		if chat.CodeOf(err) == chat.CodeNotFound {
			return nil, chat.AuthFailed("unknown user")
		}
		return nil, chat.StoreError(err, "user")
	}
	return u, nil
}

// CanJoin checks that userID may enter roomID and returns the room.
// Private rooms require an active subscription; platform admins bypass it.
func (g *Gate) CanJoin(ctx context.Context, userID, roomID string) (*chat.Room, error) {
	room, err := g.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Active {
		return nil, chat.RoomInactive()
	}
	if room.Type == chat.RoomPrivate {
		if err := g.requireSubscription(ctx, userID); err != nil {
			return nil, err
		}
	}
	return room, nil
}

func (g *Gate) requireSubscription(ctx context.Context, userID string) error {
	u, err := g.user(ctx, userID)
	if err != nil {
		return err
	}
	if u.Role == chat.PlatformAdmin || u.HasSubscription(g.now()) {
		return nil
	}
	return chat.AccessDenied("an active subscription is required for private rooms")
}

// CanPost checks that userID may post into room right now.
func (g *Gate) CanPost(ctx context.Context, userID string, room *chat.Room) error {
	if !room.Active {
		return chat.RoomInactive()
	}
	if !room.Type.Valid() {
		return chat.PermissionDenied("posting is not allowed in this room")
	}
	if room.Type == chat.RoomPrivate {
		if err := g.requireSubscription(ctx, userID); err != nil {
			return err
		}
	}
	return g.checkBan(ctx, userID)
}

// checkBan fails open: a ban store outage never blocks posting.
func (g *Gate) checkBan(ctx context.Context, userID string) error {
	if g.bans == nil {
		return nil
	}
	banned, remaining, reason, err := g.bans.IsBanned(ctx, userID)
	if err != nil {
		log.Warn().Str("module", "permission").Str("user", userID).Err(err).Msg("ban check failed, allowing")
		return nil
	}
	if banned {
		e := chat.PermissionDenied("you are muted: " + reason)
		e.RetryAfter = time.Duration(remaining) * time.Second
		return e
	}
	return nil
}

// Has reports whether userID holds perm in room, either through the room
// role or as a platform admin.
func (g *Gate) Has(ctx context.Context, userID string, room *chat.Room, perm chat.Permission) (bool, error) {
	if role, ok := room.MemberRole(userID); ok && role.Grants(perm) {
		return true, nil
	}
	u, err := g.user(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Role == chat.PlatformAdmin, nil
}

// Require fails with PERMISSION_ERROR unless userID holds perm in room.
func (g *Gate) Require(ctx context.Context, userID string, room *chat.Room, perm chat.Permission) error {
	ok, err := g.Has(ctx, userID, room, perm)
	if err != nil {
		return err
	}
	if !ok {
		return chat.PermissionDenied("missing permission " + string(perm))
	}
	return nil
}

// CanDelete allows the sender to delete their own message and anyone with
// delete_messages in the message's room to delete any message.
func (g *Gate) CanDelete(ctx context.Context, userID string, msg *chat.Message, room *chat.Room) error {
	if msg.SenderID == userID {
		return nil
	}
	return g.Require(ctx, userID, room, chat.PermDeleteMessages)
}

// Moderators returns everyone holding moderate_messages in room: members
// whose role grants it, the creator, and platform admins. When the admin
// lookup fails the room's own holders are still returned.
func (g *Gate) Moderators(ctx context.Context, room *chat.Room) []string {
	out := g.Holders(room, chat.PermModerateMessages)
	admins, err := g.users.FindByRole(ctx, chat.PlatformAdmin)
	if err != nil {
		log.Warn().Str("module", "permission").Str("room", room.ID).Err(err).Msg("admin lookup failed")
		return out
	}
	seen := make(map[string]bool, len(out))
	for _, id := range out {
		seen[id] = true
	}
	for _, u := range admins {
		if !seen[u.ID] {
			seen[u.ID] = true
			out = append(out, u.ID)
		}
	}
	return out
}

// Holders returns the room members whose role grants perm.
func (g *Gate) Holders(room *chat.Room, perm chat.Permission) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range room.Members {
		if m.Role.Grants(perm) && !seen[m.UserID] {
			seen[m.UserID] = true
			out = append(out, m.UserID)
		}
	}
	if room.CreatedBy != "" && !seen[room.CreatedBy] {
		out = append(out, room.CreatedBy)
	}
	return out
}
