package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/chat/memstore"
	"github.com/voyago/chat/internal/membership"
	"github.com/voyago/chat/internal/permission"
	"github.com/voyago/chat/internal/ratelimit"
	"github.com/voyago/chat/internal/registry"
	"github.com/voyago/chat/internal/registry/registrytest"
)

type fakeBans struct {
	mu    sync.Mutex
	muted map[string]bool
}

func (f *fakeBans) IsBanned(_ context.Context, userID string) (bool, int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.muted[userID] {
		return true, 900, "multiple_reports", nil
	}
	return false, 0, "", nil
}

func (f *fakeBans) mute(userID string) {
	f.mu.Lock()
	f.muted[userID] = true
	f.mu.Unlock()
}

type fakeMuter struct {
	mu        sync.Mutex
	reports   map[string]int
	escalated map[string]int
}

func (f *fakeMuter) ReportAndCheck(_ context.Context, userID, _ string) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[userID]++
	if f.reports[userID] >= 3 {
		return true, 15 * time.Minute, nil
	}
	return false, 0, nil
}

func (f *fakeMuter) Escalate(_ context.Context, userID, _ string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated[userID]++
	return 15 * time.Minute, nil
}

func (f *fakeMuter) escalations(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.escalated[userID]
}

func (f *fakeMuter) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[userID]
}

type fakeReviewer struct {
	mu   sync.Mutex
	msgs []*chat.Message
}

func (f *fakeReviewer) Submit(msg *chat.Message) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

func (f *fakeReviewer) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// flakyRooms fails FindByType with a deadline error a fixed number of times.
type flakyRooms struct {
	chat.RoomStore
	failures int32
	calls    atomic.Int32
}

func (f *flakyRooms) FindByType(ctx context.Context, t chat.RoomType, page, limit int) ([]*chat.Room, int, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, 0, context.DeadlineExceeded
	}
	return f.RoomStore.FindByType(ctx, t, page, limit)
}

// stuckCounter never records message count increments.
type stuckCounter struct {
	chat.RoomStore
}

func (stuckCounter) IncrementMessageCount(context.Context, string) error {
	return errors.New("counter unavailable")
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	store      *memstore.Store
	reg        *registry.Registry
	tracker    *membership.Tracker
	bans       *fakeBans
	muter      *fakeMuter
	reviewer   *fakeReviewer
	deps       *Deps
	messages   *MessagePipeline
	moderation *ModerationPipeline
	presence   *Presence
	rooms      *RoomPipeline
	conns      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	future := time.Now().Add(30 * 24 * time.Hour)
	for _, u := range []*chat.User{
		{ID: "alice", Username: "alice", DisplayName: "Alice", Role: chat.PlatformUser},
		{ID: "bob", Username: "bob", DisplayName: "Bob", Role: chat.PlatformUser},
		{ID: "carol", Username: "carol", DisplayName: "Carol", Role: chat.PlatformUser, SubscriptionExpiresAt: &future},
		{ID: "mod", Username: "mod", DisplayName: "Mod", Role: chat.PlatformUser},
		{ID: "owner", Username: "owner", DisplayName: "Owner", Role: chat.PlatformUser},
		{ID: "root", Username: "root", DisplayName: "Root", Role: chat.PlatformAdmin},
	} {
		st.PutUser(u)
	}

	reg := registry.New()
	tracker := membership.NewTracker()
	bans := &fakeBans{muted: make(map[string]bool)}
	deps := &Deps{
		Registry:     reg,
		Tracker:      tracker,
		Gate:         permission.NewGate(st.Rooms(), st.Users(), bans),
		Limits:       ratelimit.NewWindows(),
		Rooms:        st.Rooms(),
		Messages:     st.Messages(),
		Users:        st.Users(),
		Fanout:       NewLocalFanout(reg, tracker),
		StoreTimeout: time.Second,
	}

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    st,
		reg:      reg,
		tracker:  tracker,
		bans:     bans,
		muter:    &fakeMuter{reports: make(map[string]int), escalated: make(map[string]int)},
		reviewer: &fakeReviewer{},
		deps:     deps,
	}
	h.presence = NewPresence(deps)
	h.messages = NewMessagePipeline(deps, h.reviewer)
	h.moderation = NewModerationPipeline(deps, h.muter)
	h.rooms = NewRoomPipeline(deps, h.presence)
	h.rooms.retry = RetryPolicy{Attempts: 3, Base: time.Millisecond}
	return h
}

// connect registers a new live connection for userID.
func (h *harness) connect(userID string) (*registrytest.Handle, Actor) {
	h.conns++
	handle := registrytest.New(fmt.Sprintf("conn-%d", h.conns), userID)
	h.reg.Register(handle)
	require.True(h.t, h.reg.MarkConnected(userID, handle.ID()))
	return handle, Actor{ConnID: handle.ID(), UserID: userID}
}

// room creates an active room owned by "owner" with mod as a moderator.
func (h *harness) room(id string, typ chat.RoomType) *chat.Room {
	room := &chat.Room{ID: id, Name: id, Type: typ, Active: true, CreatedBy: "owner"}
	require.NoError(h.t, h.store.Rooms().Create(h.ctx, room))
	require.NoError(h.t, h.store.Rooms().AddMember(h.ctx, id, "mod", chat.RoleModerator))
	return room
}

func (h *harness) deactivate(id string) {
	room, err := h.store.Rooms().FindByID(h.ctx, id)
	require.NoError(h.t, err)
	room.Active = false
	require.NoError(h.t, h.store.Rooms().Create(h.ctx, room))
}

func (h *harness) join(a Actor, roomID string) {
	_, err := h.rooms.Join(h.ctx, a, joinReq(roomID))
	require.NoError(h.t, err)
}

func requireCode(t *testing.T, err error, code chat.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, chat.CodeOf(err), "error: %v", err)
}
