// Package membership tracks which rooms each user's current connection has
// joined. It is the in-memory counterpart of persisted room membership:
// leaving a room or disconnecting only changes this view, never the store.
package membership

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
)

const shardCount = 32

// ErrStaleConnection is returned when a connection that no longer owns the
// user's membership set tries to change it.
var ErrStaleConnection = errors.New("membership: connection no longer owns the session")

type set struct {
	owner string // connection id
	rooms map[string]struct{}
}

type userShard struct {
	mu   sync.RWMutex
	sets map[string]*set // userID -> set
}

type roomShard struct {
	mu        sync.RWMutex
	occupants map[string]map[string]struct{} // roomID -> userIDs
	pinned    map[string]map[string]struct{} // roomID -> messageIDs
}

// Tracker is the room membership view of live connections. Lock order is
// always user shard before room shard.
type Tracker struct {
	users [shardCount]userShard
	rooms [shardCount]roomShard
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.users {
		t.users[i].sets = make(map[string]*set)
		t.rooms[i].occupants = make(map[string]map[string]struct{})
		t.rooms[i].pinned = make(map[string]map[string]struct{})
	}
	return t
}

func index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (t *Tracker) userShard(userID string) *userShard { return &t.users[index(userID)] }
func (t *Tracker) roomShard(roomID string) *roomShard { return &t.rooms[index(roomID)] }

func (t *Tracker) addOccupant(roomID, userID string) {
	rs := t.roomShard(roomID)
	rs.mu.Lock()
	occ, ok := rs.occupants[roomID]
	if !ok {
		occ = make(map[string]struct{})
		rs.occupants[roomID] = occ
	}
	occ[userID] = struct{}{}
	rs.mu.Unlock()
}

func (t *Tracker) removeOccupant(roomID, userID string) {
	rs := t.roomShard(roomID)
	rs.mu.Lock()
	if occ, ok := rs.occupants[roomID]; ok {
		delete(occ, userID)
		if len(occ) == 0 {
			delete(rs.occupants, roomID)
		}
	}
	rs.mu.Unlock()
}

// Bind hands the user's membership set to connID, replacing any previous
// set. rooms seeds the set, which is how resumed connections recover the
// rooms they were in. current is consulted under the user's lock; when it
// reports that connID is no longer the user's connection nothing changes
// and ErrStaleConnection is returned.
func (t *Tracker) Bind(userID, connID string, rooms []string, current func() bool) error {
	us := t.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	if current != nil && !current() {
		return ErrStaleConnection
	}
	if prev, ok := us.sets[userID]; ok {
		for roomID := range prev.rooms {
			t.removeOccupant(roomID, userID)
		}
	}
	s := &set{owner: connID, rooms: make(map[string]struct{}, len(rooms))}
	for _, roomID := range rooms {
		s.rooms[roomID] = struct{}{}
		t.addOccupant(roomID, userID)
	}
	us.sets[userID] = s
	return nil
}

// Join records that connID's user is in roomID. Joining twice is a no-op.
// The set is created on first join if the connection was never bound.
func (t *Tracker) Join(userID, connID, roomID string) error {
	us := t.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	s, ok := us.sets[userID]
	if !ok {
		s = &set{owner: connID, rooms: make(map[string]struct{})}
		us.sets[userID] = s
	}
	if s.owner != connID {
		return ErrStaleConnection
	}
	if _, in := s.rooms[roomID]; in {
		return nil
	}
	s.rooms[roomID] = struct{}{}
	t.addOccupant(roomID, userID)
	return nil
}

// Leave removes roomID from connID's set. Leaving a room that was never
// joined is a no-op.
func (t *Tracker) Leave(userID, connID, roomID string) error {
	us := t.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	s, ok := us.sets[userID]
	if !ok {
		return nil
	}
	if s.owner != connID {
		return ErrStaleConnection
	}
	if _, in := s.rooms[roomID]; !in {
		return nil
	}
	delete(s.rooms, roomID)
	t.removeOccupant(roomID, userID)
	return nil
}

// Clear drops the user's set if connID still owns it and returns the rooms
// it held, sorted. A stale connection clears nothing.
func (t *Tracker) Clear(userID, connID string) []string {
	us := t.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	s, ok := us.sets[userID]
	if !ok || s.owner != connID {
		return nil
	}
	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
		t.removeOccupant(roomID, userID)
	}
	delete(us.sets, userID)
	sort.Strings(rooms)
	return rooms
}

// RoomsOf returns the rooms the user's current connection is in, sorted.
func (t *Tracker) RoomsOf(userID string) []string {
	us := t.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	s, ok := us.sets[userID]
	if !ok {
		return []string{}
	}
	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// IsIn reports whether the user's current connection joined roomID.
func (t *Tracker) IsIn(userID, roomID string) bool {
	us := t.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	s, ok := us.sets[userID]
	if !ok {
		return false
	}
	_, in := s.rooms[roomID]
	return in
}

// Owner returns the connection id owning the user's set.
func (t *Tracker) Owner(userID string) (string, bool) {
	us := t.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	s, ok := us.sets[userID]
	if !ok {
		return "", false
	}
	return s.owner, true
}

// Occupants returns the users currently in roomID, sorted.
func (t *Tracker) Occupants(roomID string) []string {
	rs := t.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	occ := rs.occupants[roomID]
	out := make([]string, 0, len(occ))
	for userID := range occ {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// ApplyPin updates the room's pinned set from a pin toggle event.
func (t *Tracker) ApplyPin(roomID, messageID string, pinned bool) {
	rs := t.roomShard(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ids, ok := rs.pinned[roomID]
	if !pinned {
		if ok {
			delete(ids, messageID)
			if len(ids) == 0 {
				delete(rs.pinned, roomID)
			}
		}
		return
	}
	if !ok {
		ids = make(map[string]struct{})
		rs.pinned[roomID] = ids
	}
	ids[messageID] = struct{}{}
}

// Pinned returns the ids of pinned messages seen for roomID, sorted.
func (t *Tracker) Pinned(roomID string) []string {
	rs := t.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	ids := rs.pinned[roomID]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
