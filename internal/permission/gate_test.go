package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/chat/memstore"
)

type fakeBans struct {
	banned map[string]bool
	err    error
}

func (f *fakeBans) IsBanned(_ context.Context, userID string) (bool, int, string, error) {
	if f.err != nil {
		return false, 0, "", f.err
	}
	if f.banned[userID] {
		return true, 900, "multiple_reports", nil
	}
	return false, 0, "", nil
}

func setup(t *testing.T) (*Gate, *memstore.Store, *fakeBans) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	future := time.Now().Add(24 * time.Hour)

	st.PutUser(&chat.User{ID: "alice", Role: chat.PlatformUser})
	st.PutUser(&chat.User{ID: "subscriber", Role: chat.PlatformUser, SubscriptionExpiresAt: &future})
	st.PutUser(&chat.User{ID: "mod", Role: chat.PlatformUser})
	st.PutUser(&chat.User{ID: "root", Role: chat.PlatformAdmin})

	require.NoError(t, st.Rooms().Create(ctx, &chat.Room{ID: "public", Type: chat.RoomPublic, Active: true, CreatedBy: "owner",
		Members: []chat.Member{{UserID: "mod", Role: chat.RoleModerator}, {UserID: "alice", Role: chat.RoleMember}}}))
	require.NoError(t, st.Rooms().Create(ctx, &chat.Room{ID: "vip", Type: chat.RoomPrivate, Active: true}))
	require.NoError(t, st.Rooms().Create(ctx, &chat.Room{ID: "closed", Type: chat.RoomPublic, Active: false}))

	bans := &fakeBans{banned: map[string]bool{}}
	return NewGate(st.Rooms(), st.Users(), bans), st, bans
}

func TestCanJoin(t *testing.T) {
	gate, _, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		user string
		room string
		want chat.Code
	}{
		{"public room", "alice", "public", ""},
		{"missing room", "alice", "nowhere", chat.CodeNotFound},
		{"inactive room", "alice", "closed", chat.CodeRoomInactive},
		{"private without subscription", "alice", "vip", chat.CodeAccessDenied},
		{"private with subscription", "subscriber", "vip", ""},
		{"private as platform admin", "root", "vip", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room, err := gate.CanJoin(ctx, tt.user, tt.room)
			assert.Equal(t, tt.want, chat.CodeOf(err))
			if tt.want == "" {
				require.NotNil(t, room)
				assert.Equal(t, tt.room, room.ID)
			}
		})
	}
}

func TestCanPost_Muted(t *testing.T) {
	gate, st, bans := setup(t)
	ctx := context.Background()
	room, err := st.Rooms().FindByID(ctx, "public")
	require.NoError(t, err)

	assert.NoError(t, gate.CanPost(ctx, "alice", room))

	bans.banned["alice"] = true
	err = gate.CanPost(ctx, "alice", room)
	assert.Equal(t, chat.CodePermission, chat.CodeOf(err))
	var ce *chat.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 15*time.Minute, ce.RetryAfter)

	bans.err = errors.New("redis down")
	assert.NoError(t, gate.CanPost(ctx, "alice", room), "ban store outage must fail open")
}

func TestCanDelete(t *testing.T) {
	gate, st, _ := setup(t)
	ctx := context.Background()
	room, err := st.Rooms().FindByID(ctx, "public")
	require.NoError(t, err)
	msg := &chat.Message{ID: "m1", RoomID: "public", SenderID: "alice"}

	assert.NoError(t, gate.CanDelete(ctx, "alice", msg, room), "sender deletes own message")
	assert.NoError(t, gate.CanDelete(ctx, "mod", msg, room), "moderator deletes any message")
	assert.NoError(t, gate.CanDelete(ctx, "owner", msg, room), "creator is admin")
	assert.NoError(t, gate.CanDelete(ctx, "root", msg, room), "platform admin")

	err = gate.CanDelete(ctx, "subscriber", msg, room)
	assert.Equal(t, chat.CodePermission, chat.CodeOf(err))
}

func TestHolders(t *testing.T) {
	gate, st, _ := setup(t)
	room, err := st.Rooms().FindByID(context.Background(), "public")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"mod", "owner"}, gate.Holders(room, chat.PermModerateMessages))
}

func TestModerators_IncludesPlatformAdmins(t *testing.T) {
	gate, st, _ := setup(t)
	ctx := context.Background()
	room, err := st.Rooms().FindByID(ctx, "public")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"mod", "owner", "root"}, gate.Moderators(ctx, room))
}
