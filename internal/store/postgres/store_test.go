package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyago/chat/internal/chat"
)

// newTestStore connects to the database named by TEST_DATABASE_URL and
// applies the schema. Tests skip when it is unset or unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return New(db)
}

func uniqueID(prefix string) string {
	return prefix + "_" + uuid.New().String()[:8]
}

func createRoom(t *testing.T, s *Store, room *chat.Room) *chat.Room {
	t.Helper()
	if room.ID == "" {
		room.ID = uniqueID("room")
	}
	require.NoError(t, s.Rooms().Create(context.Background(), room))
	return room
}

func TestRooms_CreateRecordsCreatorAsAdmin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	creator := uniqueID("carol")

	room := createRoom(t, s, &chat.Room{Name: "Lisbon", Type: chat.RoomPublic, Active: true, CreatedBy: creator})

	got, err := s.Rooms().FindByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", got.Name)
	role, ok := got.MemberRole(creator)
	assert.True(t, ok)
	assert.Equal(t, chat.RoleAdmin, role)
	assert.Len(t, got.Members, 1)
}

func TestRooms_FindByIDMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Rooms().FindByID(context.Background(), uniqueID("nowhere"))
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestRooms_Membership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rooms := s.Rooms()
	room := createRoom(t, s, &chat.Room{Name: "Porto", Type: chat.RoomPublic, Active: true})
	user := uniqueID("alice")

	require.NoError(t, rooms.AddMember(ctx, room.ID, user, chat.RoleMember))
	require.NoError(t, rooms.AddMember(ctx, room.ID, user, chat.RoleModerator), "repeated add is a no-op")

	got, err := rooms.FindByID(ctx, room.ID)
	require.NoError(t, err)
	role, ok := got.MemberRole(user)
	require.True(t, ok)
	assert.Equal(t, chat.RoleMember, role)

	joined, err := rooms.FindByMember(ctx, user)
	require.NoError(t, err)
	require.Len(t, joined, 1)
	assert.Equal(t, room.ID, joined[0].ID)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, rooms.UpdateLastRead(ctx, room.ID, user, at))
	got, _ = rooms.FindByID(ctx, room.ID)
	assert.WithinDuration(t, at, got.Members[0].LastReadAt, time.Millisecond)

	require.NoError(t, rooms.RemoveMember(ctx, room.ID, user))
	require.NoError(t, rooms.RemoveMember(ctx, room.ID, user), "removing twice is a no-op")
	joined, err = rooms.FindByMember(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, joined)

	assert.ErrorIs(t, rooms.AddMember(ctx, uniqueID("nowhere"), user, chat.RoleMember), chat.ErrNotFound)
	assert.ErrorIs(t, rooms.RemoveMember(ctx, uniqueID("nowhere"), user), chat.ErrNotFound)
}

func TestRooms_FindByTypeOrdersByActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dest := uniqueID("azores")
	base := time.Now().Add(time.Hour)

	older := createRoom(t, s, &chat.Room{Name: "older", Type: chat.RoomTravelPartner, Destination: dest, Active: true, LastActivity: base})
	newer := createRoom(t, s, &chat.Room{Name: "newer", Type: chat.RoomTravelPartner, Destination: dest, Active: true, LastActivity: base.Add(time.Minute)})
	createRoom(t, s, &chat.Room{Name: "closed", Type: chat.RoomTravelPartner, Destination: dest, Active: false, LastActivity: base.Add(2 * time.Minute)})

	page, total, err := s.Rooms().FindByType(ctx, chat.RoomTravelPartner, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.GreaterOrEqual(t, total, 2)
	assert.Equal(t, newer.ID, page[0].ID)
	assert.Equal(t, older.ID, page[1].ID)

	byDest, err := s.Rooms().FindByDestination(ctx, dest)
	require.NoError(t, err)
	assert.Len(t, byDest, 3)
}

func TestRooms_IncrementMessageCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room := createRoom(t, s, &chat.Room{Name: "Faro", Type: chat.RoomPublic, Active: true, LastActivity: time.Now().Add(-time.Hour)})

	require.NoError(t, s.Rooms().IncrementMessageCount(ctx, room.ID))
	got, err := s.Rooms().FindByID(ctx, room.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.MessageCount)
	assert.WithinDuration(t, time.Now(), got.LastActivity, time.Minute)

	assert.ErrorIs(t, s.Rooms().IncrementMessageCount(ctx, uniqueID("nowhere")), chat.ErrNotFound)
}

func TestMessages_CreateAndPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room := createRoom(t, s, &chat.Room{Name: "Madrid", Type: chat.RoomPublic, Active: true})
	msgs := s.Messages()

	for i := int64(1); i <= 5; i++ {
		msg := &chat.Message{RoomID: room.ID, Seq: i, SenderID: "alice", Content: "hola", Type: chat.MessageText}
		require.NoError(t, msgs.Create(ctx, msg))
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, chat.StateActive, msg.State)
		assert.False(t, msg.CreatedAt.IsZero())
	}

	page1, err := msgs.FindByRoom(ctx, room.ID, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.EqualValues(t, 4, page1[0].Seq)
	assert.EqualValues(t, 5, page1[1].Seq)

	page3, err := msgs.FindByRoom(ctx, room.ID, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.EqualValues(t, 1, page3[0].Seq)

	empty, err := msgs.FindByRoom(ctx, room.ID, 4, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)

	latest, err := msgs.LatestSeq(ctx, room.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, latest)
	none, err := msgs.LatestSeq(ctx, uniqueID("quiet"))
	require.NoError(t, err)
	assert.Zero(t, none)

	err = msgs.Create(ctx, &chat.Message{RoomID: uniqueID("nowhere"), SenderID: "alice", Content: "x", Type: chat.MessageText})
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestMessages_Mutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room := createRoom(t, s, &chat.Room{Name: "Seville", Type: chat.RoomPublic, Active: true})
	msgs := s.Messages()

	msg := &chat.Message{RoomID: room.ID, Seq: 1, SenderID: "alice", Content: "tapas?", Type: chat.MessageText}
	require.NoError(t, msgs.Create(ctx, msg))

	got, err := msgs.AddReaction(ctx, msg.ID, chat.Reaction{UserID: "bob", Emoji: "👍"})
	require.NoError(t, err)
	got, err = msgs.AddReaction(ctx, msg.ID, chat.Reaction{UserID: "bob", Emoji: "👍"})
	require.NoError(t, err)
	assert.Equal(t, []chat.Reaction{{UserID: "bob", Emoji: "👍"}}, got.Reactions)

	got, err = msgs.TogglePin(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Pinned)
	got, err = msgs.TogglePin(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, got.Pinned)

	got, err = msgs.Moderate(ctx, msg.ID, "mod", "scam link")
	require.NoError(t, err)
	assert.Equal(t, chat.StateModerated, got.State)
	assert.Equal(t, "scam link", got.ModerationReason)

	got, err = msgs.SoftDelete(ctx, msg.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, chat.StateDeleted, got.State)
	assert.Equal(t, "alice", got.DeletedBy)

	_, err = msgs.TogglePin(ctx, uniqueID("missing"))
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestMessages_Report(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	room := createRoom(t, s, &chat.Room{Name: "Bilbao", Type: chat.RoomPublic, Active: true})
	author := uniqueID("spammer")

	msg := &chat.Message{RoomID: room.ID, Seq: 1, SenderID: author, Content: "cheap flights!!", Type: chat.MessageText}
	require.NoError(t, s.Messages().Create(ctx, msg))

	r := &chat.Report{MessageID: msg.ID, RoomID: room.ID, ReporterID: "bob", ReportedUserID: author, Reason: chat.ReasonSpam}
	require.NoError(t, s.Messages().Report(ctx, r))
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())

	n, err := s.Reports().CountRecent(ctx, author, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.Messages().Report(ctx, &chat.Report{MessageID: uniqueID("missing"), RoomID: room.ID, ReporterID: "bob", ReportedUserID: author, Reason: chat.ReasonSpam})
	assert.ErrorIs(t, err, chat.ErrNotFound)

	err = s.Messages().Report(ctx, &chat.Report{MessageID: msg.ID, Reason: "boring"})
	assert.Error(t, err)
}

func TestUsers_PutAndFind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uniqueID("dana")
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	require.NoError(t, s.PutUser(ctx, &chat.User{ID: id, Username: "dana", DisplayName: "Dana", SubscriptionExpiresAt: &expires}))

	u, err := s.Users().FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Dana", u.DisplayName)
	assert.Equal(t, chat.PlatformUser, u.Role)
	assert.True(t, u.HasSubscription(time.Now()))

	_, err = s.Users().FindByID(ctx, uniqueID("ghost"))
	assert.ErrorIs(t, err, chat.ErrNotFound)

	admin := uniqueID("ops")
	require.NoError(t, s.PutUser(ctx, &chat.User{ID: admin, Username: "ops", DisplayName: "Ops", Role: chat.PlatformAdmin}))
	admins, err := s.Users().FindByRole(ctx, chat.PlatformAdmin)
	require.NoError(t, err)
	var ids []string
	for _, a := range admins {
		assert.Equal(t, chat.PlatformAdmin, a.Role)
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, admin)
	assert.NotContains(t, ids, id)
}
