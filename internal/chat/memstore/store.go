// Package memstore is an in-memory implementation of the chat store ports.
// It backs single-instance development runs and the pipeline tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyago/chat/internal/chat"
)

// Store holds rooms, messages, users and reports in memory. All methods
// are goroutine-safe and return copies so callers cannot mutate state.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*chat.Room
	messages map[string]*chat.Message
	byRoom   map[string][]string // roomID -> message ids in creation order
	users    map[string]*chat.User
	reports  []chat.Report
	now      func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		rooms:    make(map[string]*chat.Room),
		messages: make(map[string]*chat.Message),
		byRoom:   make(map[string][]string),
		users:    make(map[string]*chat.User),
		now:      time.Now,
	}
}

// Rooms returns the store as a chat.RoomStore.
func (s *Store) Rooms() chat.RoomStore { return roomStore{s} }

// Messages returns the store as a chat.MessageStore.
func (s *Store) Messages() chat.MessageStore { return messageStore{s} }

// Users returns the store as a chat.UserStore.
func (s *Store) Users() chat.UserStore { return userStore{s} }

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u *chat.User) {
	s.mu.Lock()
	cp := *u
	s.users[u.ID] = &cp
	s.mu.Unlock()
}

// Reports returns every recorded report.
func (s *Store) Reports() []chat.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Report, len(s.reports))
	copy(out, s.reports)
	return out
}

func copyRoom(r *chat.Room) *chat.Room {
	cp := *r
	cp.Members = append([]chat.Member(nil), r.Members...)
	return &cp
}

func copyMessage(m *chat.Message) *chat.Message {
	cp := *m
	cp.Reactions = append([]chat.Reaction{}, m.Reactions...)
	return &cp
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

type roomStore struct{ s *Store }

func (r roomStore) Create(_ context.Context, room *chat.Room) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if room.ID == "" {
		room.ID = uuid.New().String()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	if room.LastActivity.IsZero() {
		room.LastActivity = room.CreatedAt
	}
	if room.CreatedBy != "" && !hasMember(room, room.CreatedBy) {
		room.Members = append(room.Members, chat.Member{
			UserID: room.CreatedBy, Role: chat.RoleAdmin, JoinedAt: room.CreatedAt,
		})
	}
	s.rooms[room.ID] = copyRoom(room)
	return nil
}

func hasMember(room *chat.Room, userID string) bool {
	for _, m := range room.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func (r roomStore) FindByID(_ context.Context, id string) (*chat.Room, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	room, ok := r.s.rooms[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return copyRoom(room), nil
}

func (r roomStore) FindByType(_ context.Context, roomType chat.RoomType, page, limit int) ([]*chat.Room, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var matched []*chat.Room
	for _, room := range r.s.rooms {
		if room.Active && (roomType == "" || room.Type == roomType) {
			matched = append(matched, room)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastActivity.Equal(matched[j].LastActivity) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].LastActivity.After(matched[j].LastActivity)
	})

	total := len(matched)
	start := (page - 1) * limit
	if start >= total {
		return []*chat.Room{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	out := make([]*chat.Room, 0, end-start)
	for _, room := range matched[start:end] {
		out = append(out, copyRoom(room))
	}
	return out, total, nil
}

func (r roomStore) FindByDestination(_ context.Context, destination string) ([]*chat.Room, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*chat.Room
	for _, room := range r.s.rooms {
		if room.Type == chat.RoomTravelPartner && room.Destination == destination {
			out = append(out, copyRoom(room))
		}
	}
	return out, nil
}

func (r roomStore) FindByMember(_ context.Context, userID string) ([]*chat.Room, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*chat.Room
	for _, room := range r.s.rooms {
		if hasMember(room, userID) {
			out = append(out, copyRoom(room))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r roomStore) AddMember(_ context.Context, roomID, userID string, role chat.Role) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return chat.ErrNotFound
	}
	if hasMember(room, userID) {
		return nil
	}
	room.Members = append(room.Members, chat.Member{UserID: userID, Role: role, JoinedAt: s.now()})
	return nil
}

func (r roomStore) RemoveMember(_ context.Context, roomID, userID string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return chat.ErrNotFound
	}
	for i, m := range room.Members {
		if m.UserID == userID {
			room.Members = append(room.Members[:i], room.Members[i+1:]...)
			break
		}
	}
	return nil
}

func (r roomStore) IncrementMessageCount(_ context.Context, roomID string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return chat.ErrNotFound
	}
	room.MessageCount++
	room.LastActivity = s.now()
	return nil
}

func (r roomStore) UpdateLastRead(_ context.Context, roomID, userID string, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return chat.ErrNotFound
	}
	for i := range room.Members {
		if room.Members[i].UserID == userID {
			room.Members[i].LastReadAt = at
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type messageStore struct{ s *Store }

func (m messageStore) Create(_ context.Context, msg *chat.Message) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[msg.RoomID]; !ok {
		return chat.ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := s.now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.State == "" {
		msg.State = chat.StateActive
	}
	if msg.Reactions == nil {
		msg.Reactions = []chat.Reaction{}
	}
	s.messages[msg.ID] = copyMessage(msg)
	s.byRoom[msg.RoomID] = append(s.byRoom[msg.RoomID], msg.ID)
	return nil
}

func (m messageStore) FindByID(_ context.Context, id string) (*chat.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	msg, ok := m.s.messages[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return copyMessage(msg), nil
}

func (m messageStore) FindByRoom(_ context.Context, roomID string, page, limit int) ([]*chat.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	ids := m.s.byRoom[roomID]
	end := len(ids) - (page-1)*limit
	if end <= 0 {
		return []*chat.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]*chat.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, copyMessage(m.s.messages[id]))
	}
	return out, nil
}

func (m messageStore) LatestSeq(_ context.Context, roomID string) (int64, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var latest int64
	for _, id := range m.s.byRoom[roomID] {
		if seq := m.s.messages[id].Seq; seq > latest {
			latest = seq
		}
	}
	return latest, nil
}

// update applies fn to a stored message under the write lock.
func (m messageStore) update(id string, fn func(msg *chat.Message)) (*chat.Message, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	fn(msg)
	msg.UpdatedAt = s.now()
	return copyMessage(msg), nil
}

func (m messageStore) AddReaction(_ context.Context, messageID string, reaction chat.Reaction) (*chat.Message, error) {
	return m.update(messageID, func(msg *chat.Message) {
		if !msg.HasReaction(reaction.UserID, reaction.Emoji) {
			msg.Reactions = append(msg.Reactions, reaction)
		}
	})
}

func (m messageStore) SoftDelete(_ context.Context, messageID, deletedBy string) (*chat.Message, error) {
	return m.update(messageID, func(msg *chat.Message) {
		msg.State = chat.StateDeleted
		msg.DeletedBy = deletedBy
	})
}

func (m messageStore) Report(_ context.Context, report *chat.Report) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[report.MessageID]; !ok {
		return chat.ErrNotFound
	}
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	report.CreatedAt = s.now()
	s.reports = append(s.reports, *report)
	return nil
}

func (m messageStore) Moderate(_ context.Context, messageID, moderatorID, reason string) (*chat.Message, error) {
	return m.update(messageID, func(msg *chat.Message) {
		msg.State = chat.StateModerated
		msg.ModeratedBy = moderatorID
		msg.ModerationReason = reason
	})
}

func (m messageStore) TogglePin(_ context.Context, messageID string) (*chat.Message, error) {
	return m.update(messageID, func(msg *chat.Message) {
		msg.Pinned = !msg.Pinned
	})
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type userStore struct{ s *Store }

func (u userStore) FindByID(_ context.Context, id string) (*chat.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (u userStore) FindByRole(_ context.Context, role chat.PlatformRole) ([]*chat.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	out := []*chat.User{}
	for _, user := range u.s.users {
		if user.Role == role {
			cp := *user
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
