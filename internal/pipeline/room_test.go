package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/protocol"
)

func joinReq(roomID string) protocol.JoinRoomMsg {
	return protocol.JoinRoomMsg{RoomID: roomID}
}

func TestJoin_PublicRoomAddsMembership(t *testing.T) {
	h := newHarness(t)
	h.room("lisbon", chat.RoomPublic)
	bobConn, bob := h.connect("bob")
	h.join(bob, "lisbon")
	_, alice := h.connect("alice")

	res, err := h.rooms.Join(h.ctx, alice, joinReq("lisbon"))
	require.NoError(t, err)
	assert.Equal(t, "lisbon", res.Room.ID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, res.OnlineMembers)
	assert.NotNil(t, res.Messages)
	assert.True(t, h.tracker.IsIn("alice", "lisbon"))

	room, err := h.store.Rooms().FindByID(h.ctx, "lisbon")
	require.NoError(t, err)
	assert.True(t, room.IsMember("alice"))

	joined := bobConn.EventsOfType(protocol.TypeUserJoinedRoom)
	require.Len(t, joined, 1)
	assert.Equal(t, "alice", joined[0]["user"].(map[string]any)["id"])

	// Joining again is idempotent and not re-announced.
	_, err = h.rooms.Join(h.ctx, alice, joinReq("lisbon"))
	require.NoError(t, err)
	assert.Len(t, bobConn.EventsOfType(protocol.TypeUserJoinedRoom), 1)
}

// A non-subscriber is turned away from a private room before any
// membership changes.
func TestJoin_PrivateRoomRequiresSubscription(t *testing.T) {
	h := newHarness(t)
	h.room("vip-lounge", chat.RoomPrivate)
	_, alice := h.connect("alice")

	_, err := h.rooms.Join(h.ctx, alice, joinReq("vip-lounge"))
	requireCode(t, err, chat.CodeAccessDenied)

	room, err := h.store.Rooms().FindByID(h.ctx, "vip-lounge")
	require.NoError(t, err)
	assert.False(t, room.IsMember("alice"), "persisted membership changed")
	assert.False(t, h.tracker.IsIn("alice", "vip-lounge"), "tracked membership changed")
	assert.Empty(t, h.tracker.Occupants("vip-lounge"))

	_, carol := h.connect("carol")
	_, err = h.rooms.Join(h.ctx, carol, joinReq("vip-lounge"))
	require.NoError(t, err)

	_, root := h.connect("root")
	_, err = h.rooms.Join(h.ctx, root, joinReq("vip-lounge"))
	require.NoError(t, err)
}

func TestJoin_Failures(t *testing.T) {
	h := newHarness(t)
	h.room("closed", chat.RoomPublic)
	h.deactivate("closed")
	_, alice := h.connect("alice")

	_, err := h.rooms.Join(h.ctx, alice, joinReq("closed"))
	requireCode(t, err, chat.CodeRoomInactive)

	_, err = h.rooms.Join(h.ctx, alice, joinReq("atlantis"))
	requireCode(t, err, chat.CodeNotFound)

	_, err = h.rooms.Join(h.ctx, alice, joinReq(""))
	requireCode(t, err, chat.CodeValidation)
}

func TestJoin_StaleConnection(t *testing.T) {
	h := newHarness(t)
	h.room("lisbon", chat.RoomPublic)
	_, old := h.connect("alice")
	_, _ = h.connect("alice")

	_, err := h.rooms.Join(h.ctx, old, joinReq("lisbon"))
	requireCode(t, err, chat.CodeAuth)
	assert.False(t, h.tracker.IsIn("alice", "lisbon"))
}

func TestJoin_ReturnsHistoryAndPins(t *testing.T) {
	h := newHarness(t)
	h.room("lisbon", chat.RoomPublic)
	_, owner := h.connect("owner")
	h.join(owner, "lisbon")

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		res, err := h.messages.Send(h.ctx, owner, sendReq("lisbon", text))
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}
	_, err := h.moderation.TogglePin(h.ctx, owner, protocol.TogglePinMsg{MessageID: ids[0]})
	require.NoError(t, err)
	_, err = h.moderation.Delete(h.ctx, owner, protocol.DeleteMessageMsg{MessageID: ids[1]})
	require.NoError(t, err)

	_, alice := h.connect("alice")
	res, err := h.rooms.Join(h.ctx, alice, joinReq("lisbon"))
	require.NoError(t, err)

	require.Len(t, res.Messages, 2, "deleted messages are not replayed")
	assert.Equal(t, "one", res.Messages[0].Content)
	assert.Equal(t, "three", res.Messages[1].Content)
	assert.Equal(t, "Owner", res.Messages[0].Sender.DisplayName)
	assert.Equal(t, []string{ids[0]}, res.Pinned)
}

func TestLeave_OnlyTrackedMembership(t *testing.T) {
	h := newHarness(t)
	h.room("lisbon", chat.RoomPublic)
	bobConn, bob := h.connect("bob")
	_, alice := h.connect("alice")
	h.join(bob, "lisbon")
	h.join(alice, "lisbon")

	require.NoError(t, h.rooms.Leave(h.ctx, alice, protocol.LeaveRoomMsg{RoomID: "lisbon"}))
	assert.False(t, h.tracker.IsIn("alice", "lisbon"))

	room, err := h.store.Rooms().FindByID(h.ctx, "lisbon")
	require.NoError(t, err)
	assert.True(t, room.IsMember("alice"), "leave must not touch persisted membership")

	left := bobConn.EventsOfType(protocol.TypeUserLeftRoom)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", left[0]["userId"])

	// Leaving again is a silent no-op.
	require.NoError(t, h.rooms.Leave(h.ctx, alice, protocol.LeaveRoomMsg{RoomID: "lisbon"}))
	assert.Len(t, bobConn.EventsOfType(protocol.TypeUserLeftRoom), 1)
}

func TestList(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		h.room(id, chat.RoomPublic)
	}
	h.room("partners", chat.RoomTravelPartner)
	h.room("gone", chat.RoomPublic)
	h.deactivate("gone")
	_, alice := h.connect("alice")

	out, err := h.rooms.List(h.ctx, alice, protocol.GetRoomsMsg{RoomType: chat.RoomPublic})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Page)
	assert.Equal(t, DefaultRoomsLimit, out.Limit)
	assert.Equal(t, 3, out.Total)
	assert.Len(t, out.Rooms, 3)

	out, err = h.rooms.List(h.ctx, alice, protocol.GetRoomsMsg{RoomType: chat.RoomPublic, Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out.Rooms, 1)

	out, err = h.rooms.List(h.ctx, alice, protocol.GetRoomsMsg{Page: 5, Limit: 2})
	require.NoError(t, err)
	assert.NotNil(t, out.Rooms)
	assert.Empty(t, out.Rooms)
	assert.Equal(t, 4, out.Total)
}

func TestList_Validation(t *testing.T) {
	h := newHarness(t)
	_, alice := h.connect("alice")

	for _, req := range []protocol.GetRoomsMsg{
		{RoomType: "secret"},
		{Page: -1},
		{Limit: MaxRoomsLimit + 1},
		{Limit: -5},
	} {
		_, err := h.rooms.List(h.ctx, alice, req)
		requireCode(t, err, chat.CodeValidation)
	}
}

func TestList_RetriesUnavailableStore(t *testing.T) {
	h := newHarness(t)
	h.room("lisbon", chat.RoomPublic)
	_, alice := h.connect("alice")

	flaky := &flakyRooms{RoomStore: h.store.Rooms(), failures: 2}
	h.rooms.Rooms = flaky

	out, err := h.rooms.List(h.ctx, alice, protocol.GetRoomsMsg{})
	require.NoError(t, err)
	assert.Len(t, out.Rooms, 1)
	assert.EqualValues(t, 3, flaky.calls.Load())
}

func TestList_GivesUpAfterThreeAttempts(t *testing.T) {
	h := newHarness(t)
	_, alice := h.connect("alice")

	flaky := &flakyRooms{RoomStore: h.store.Rooms(), failures: 10}
	h.rooms.Rooms = flaky

	_, err := h.rooms.List(h.ctx, alice, protocol.GetRoomsMsg{})
	requireCode(t, err, chat.CodeUnavailable)
	assert.EqualValues(t, 3, flaky.calls.Load())
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	h.room("lisbon", chat.RoomPublic)
	h.room("porto", chat.RoomPublic)
	h.room("closed", chat.RoomPublic)
	for _, id := range []string{"lisbon", "closed"} {
		require.NoError(t, h.store.Rooms().AddMember(h.ctx, id, "alice", chat.RoleMember))
	}
	h.deactivate("closed")

	rooms, err := h.rooms.Recover(h.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"lisbon"}, rooms)
}

func TestWithRetry_StopsOnTerminalError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), RetryPolicy{Attempts: 3, Base: time.Millisecond}, "test", func(context.Context) error {
		calls++
		return chat.NotFound("room")
	})
	requireCode(t, err, chat.CodeNotFound)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, RetryPolicy{Attempts: 5, Base: time.Hour}, "test", func(context.Context) error {
		calls++
		cancel()
		return chat.Unavailable(context.DeadlineExceeded)
	})
	requireCode(t, err, chat.CodeUnavailable)
	assert.Equal(t, 1, calls)
}
