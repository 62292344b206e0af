package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/membership"
	"github.com/voyago/chat/internal/metrics"
	"github.com/voyago/chat/internal/protocol"
	"github.com/voyago/chat/internal/ratelimit"
)

const (
	// HistoryLimit is the number of latest messages returned on join and
	// replayed on resume.
	HistoryLimit = 50

	DefaultRoomsLimit = 20
	MaxRoomsLimit     = 50
)

// JoinResult is acknowledged to the joining connection.
type JoinResult struct {
	Room          *chat.Room             `json:"room"`
	Messages      []protocol.MessageView `json:"messages"`
	OnlineMembers []string               `json:"onlineMembers"`
	Pinned        []string               `json:"pinned"`
}

// RoomPipeline handles joining, leaving and listing rooms.
type RoomPipeline struct {
	*Deps
	presence *Presence
	retry    RetryPolicy
}

// NewRoomPipeline creates a RoomPipeline.
func NewRoomPipeline(deps *Deps, presence *Presence) *RoomPipeline {
	return &RoomPipeline{Deps: deps, presence: presence, retry: DefaultRetryPolicy}
}

func errStale(err error) error {
	if errors.Is(err, membership.ErrStaleConnection) {
		return chat.AuthFailed("connection was replaced by a newer session")
	}
	return err
}

// Join admits the connection into a room. Access is decided before any
// state changes; users joining a room they are not a persisted member of
// are added as members first.
func (p *RoomPipeline) Join(ctx context.Context, a Actor, req protocol.JoinRoomMsg) (*JoinResult, error) {
	if err := chat.ValidateID("roomId", req.RoomID); err != nil {
		return nil, err
	}
	if err := p.limit(a, ratelimit.RuleJoinRoom); err != nil {
		return nil, err
	}
	if !p.Registry.IsCurrent(a.UserID, a.ConnID) {
		return nil, errStale(membership.ErrStaleConnection)
	}

	sctx, cancel := p.storeCtx(ctx)
	room, err := p.Gate.CanJoin(sctx, a.UserID, req.RoomID)
	cancel()
	if err != nil {
		return nil, err
	}

	if !room.IsMember(a.UserID) {
		start := time.Now()
		sctx, cancel = p.storeCtx(ctx)
		err = p.Rooms.AddMember(sctx, room.ID, a.UserID, chat.RoleMember)
		cancel()
		metrics.ObserveStore("room_add_member", start)
		if err != nil {
			return nil, chat.StoreError(err, "room")
		}
		room.Members = append(room.Members, chat.Member{UserID: a.UserID, Role: chat.RoleMember, JoinedAt: time.Now().UTC()})
	}

	already := p.Tracker.IsIn(a.UserID, room.ID)
	if err := p.Tracker.Join(a.UserID, a.ConnID, room.ID); err != nil {
		return nil, errStale(err)
	}
	if !already {
		p.presence.Joined(room.ID, p.sender(ctx, a.UserID))
	}

	hist := p.History(ctx, room.ID)
	return &JoinResult{
		Room:          room,
		Messages:      hist.Messages,
		OnlineMembers: hist.OnlineMembers,
		Pinned:        hist.Pinned,
	}, nil
}

// History loads the latest page of a room for a join ack or a resume
// replay. A failed load yields an empty page rather than failing the join.
func (p *RoomPipeline) History(ctx context.Context, roomID string) *protocol.RoomHistoryMsg {
	out := &protocol.RoomHistoryMsg{RoomID: roomID, Messages: []protocol.MessageView{}}

	var msgs []*chat.Message
	err := withRetry(ctx, p.retry, "room_history", func(ctx context.Context) error {
		sctx, cancel := p.storeCtx(ctx)
		defer cancel()
		var err error
		msgs, err = p.Messages.FindByRoom(sctx, roomID, 1, HistoryLimit)
		return chat.StoreError(err, "room")
	})
	if err != nil {
		log.Warn().Str("module", "pipeline").Str("room", roomID).Err(err).Msg("load history failed")
	} else {
		visible := msgs[:0]
		for _, m := range msgs {
			if m.Pinned && m.State == chat.StateActive {
				p.Tracker.ApplyPin(roomID, m.ID, true)
			}
			if m.State != chat.StateDeleted {
				visible = append(visible, m)
			}
		}
		out.Messages = p.views(ctx, visible)
	}

	out.OnlineMembers = p.Tracker.Occupants(roomID)
	out.Pinned = p.Tracker.Pinned(roomID)
	return out
}

// Leave removes the room from the connection's set only. Persisted
// membership is untouched.
func (p *RoomPipeline) Leave(ctx context.Context, a Actor, req protocol.LeaveRoomMsg) error {
	if err := chat.ValidateID("roomId", req.RoomID); err != nil {
		return err
	}
	if !p.Tracker.IsIn(a.UserID, req.RoomID) {
		return nil
	}
	if err := p.Tracker.Leave(a.UserID, a.ConnID, req.RoomID); err != nil {
		return errStale(err)
	}
	p.presence.Left(req.RoomID, a.UserID)

	sctx, cancel := p.storeCtx(ctx)
	defer cancel()
	if err := p.Rooms.UpdateLastRead(sctx, req.RoomID, a.UserID, time.Now().UTC()); err != nil {
		log.Debug().Str("module", "pipeline").Str("room", req.RoomID).Err(err).Msg("update last read failed")
	}
	return nil
}

func normalizeList(req *protocol.GetRoomsMsg) error {
	if req.RoomType != "" && !req.RoomType.Valid() {
		return chat.Validation("unknown room type %q", req.RoomType)
	}
	switch {
	case req.Page == 0:
		req.Page = 1
	case req.Page < 0:
		return chat.Validation("page must be at least 1")
	}
	switch {
	case req.Limit == 0:
		req.Limit = DefaultRoomsLimit
	case req.Limit < 0 || req.Limit > MaxRoomsLimit:
		return chat.Validation("limit must be between 1 and %d", MaxRoomsLimit)
	}
	return nil
}

// List returns one page of active rooms of the requested type, or of every
// type when none is given. Store failures are retried with backoff.
func (p *RoomPipeline) List(ctx context.Context, a Actor, req protocol.GetRoomsMsg) (*protocol.RoomsListMsg, error) {
	if err := normalizeList(&req); err != nil {
		return nil, err
	}
	if err := p.limit(a, ratelimit.RuleGetRooms); err != nil {
		return nil, err
	}

	var (
		rooms []*chat.Room
		total int
	)
	start := time.Now()
	err := withRetry(ctx, p.retry, "get_rooms", func(ctx context.Context) error {
		sctx, cancel := p.storeCtx(ctx)
		defer cancel()
		var err error
		rooms, total, err = p.Rooms.FindByType(sctx, req.RoomType, req.Page, req.Limit)
		return chat.StoreError(err, "room")
	})
	metrics.ObserveStore("room_list", start)
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []*chat.Room{}
	}
	return &protocol.RoomsListMsg{Rooms: rooms, Page: req.Page, Limit: req.Limit, Total: total}, nil
}

// Recover returns the active rooms userID is a persisted member of. It
// seeds the membership set of a resumed connection.
func (p *RoomPipeline) Recover(ctx context.Context, userID string) ([]string, error) {
	var rooms []*chat.Room
	err := withRetry(ctx, p.retry, "recover_rooms", func(ctx context.Context) error {
		sctx, cancel := p.storeCtx(ctx)
		defer cancel()
		var err error
		rooms, err = p.Rooms.FindByMember(sctx, userID)
		return chat.StoreError(err, "room")
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if r.Active {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}
