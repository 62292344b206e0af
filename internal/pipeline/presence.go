package pipeline

import (
	"context"
	"time"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/protocol"
	"github.com/voyago/chat/internal/ratelimit"
)

// Presence broadcasts status, typing and room entry events. None of these
// touch a store except for resolving display names.
type Presence struct {
	*Deps
	now func() time.Time
}

// NewPresence creates a Presence broadcaster.
func NewPresence(deps *Deps) *Presence {
	return &Presence{Deps: deps, now: time.Now}
}

func (p *Presence) status(userID string, rooms []string, status string) {
	at := p.now().UTC()
	for _, roomID := range rooms {
		p.broadcast(roomID, protocol.TypeUserStatusChange, protocol.UserStatusChangeMsg{
			UserID: userID,
			RoomID: roomID,
			Status: status,
			At:     at,
		}, userID)
	}
}

// Online announces userID to the other occupants of rooms.
func (p *Presence) Online(userID string, rooms []string) {
	p.status(userID, rooms, protocol.StatusOnline)
}

// Offline announces that userID left rooms by disconnecting.
func (p *Presence) Offline(userID string, rooms []string) {
	p.status(userID, rooms, protocol.StatusOffline)
}

// Joined announces a room entry to everyone else in the room.
func (p *Presence) Joined(roomID string, user chat.Sender) {
	p.broadcast(roomID, protocol.TypeUserJoinedRoom, protocol.UserJoinedRoomMsg{RoomID: roomID, User: user}, user.ID)
}

// Left announces an explicit leave to the remaining occupants.
func (p *Presence) Left(roomID, userID string) {
	p.broadcast(roomID, protocol.TypeUserLeftRoom, protocol.UserLeftRoomMsg{RoomID: roomID, UserID: userID}, userID)
}

// TypingStart relays a typing indicator to the rest of the room.
func (p *Presence) TypingStart(ctx context.Context, a Actor, req protocol.TypingMsg) error {
	if err := chat.ValidateID("roomId", req.RoomID); err != nil {
		return err
	}
	if err := p.requireIn(a, req.RoomID); err != nil {
		return err
	}
	if err := p.limit(a, ratelimit.RuleTyping); err != nil {
		return err
	}
	s := p.sender(ctx, a.UserID)
	p.broadcast(req.RoomID, protocol.TypeUserTyping, protocol.UserTypingMsg{
		RoomID:   req.RoomID,
		UserID:   a.UserID,
		Username: s.Username,
	}, a.UserID)
	return nil
}

// TypingStop clears a typing indicator. It is never rate limited so a
// throttled client can always stop.
func (p *Presence) TypingStop(_ context.Context, a Actor, req protocol.TypingMsg) error {
	if err := chat.ValidateID("roomId", req.RoomID); err != nil {
		return err
	}
	if err := p.requireIn(a, req.RoomID); err != nil {
		return err
	}
	p.broadcast(req.RoomID, protocol.TypeUserStoppedTyping, protocol.UserTypingMsg{
		RoomID: req.RoomID,
		UserID: a.UserID,
	}, a.UserID)
	return nil
}
