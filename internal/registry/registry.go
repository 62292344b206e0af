// Package registry tracks which live connection belongs to which user. A
// user owns at most one connection; registering a new one evicts the old.
// Entries are sharded by user id so unrelated users never contend.
package registry

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Handle is the registry's view of a live connection.
type Handle interface {
	ID() string
	UserID() string
	Send(data []byte) error
	Ping() error
	// Close terminates the connection. The transport runs the disconnect
	// cleanup; calling Close more than once is safe.
	Close(reason string) error
}

// State is the health of a registered connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ReasonReplaced is the close reason sent to an evicted connection.
const ReasonReplaced = "session replaced"

type entry struct {
	handle    Handle
	state     State
	createdAt time.Time
	lastSeen  time.Time
}

type shard struct {
	mu     sync.RWMutex
	byUser map[string]*entry
}

// Registry maps user ids to their single live connection.
type Registry struct {
	shards [shardCount]shard
	now    func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i].byUser = make(map[string]*entry)
	}
	return r
}

func (r *Registry) shard(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register installs h as its user's connection in the connecting state.
// A previous connection for the same user is closed before Register
// returns and is handed back so the caller can finish its cleanup.
// Registering the same handle twice is a no-op.
func (r *Registry) Register(h Handle) (evicted Handle) {
	now := r.now()
	sh := r.shard(h.UserID())

	sh.mu.Lock()
	if prev, ok := sh.byUser[h.UserID()]; ok {
		if prev.handle.ID() == h.ID() {
			sh.mu.Unlock()
			return nil
		}
		evicted = prev.handle
	}
	sh.byUser[h.UserID()] = &entry{
		handle:    h,
		state:     StateConnecting,
		createdAt: now,
		lastSeen:  now,
	}
	sh.mu.Unlock()

	if evicted != nil {
		_ = evicted.Close(ReasonReplaced)
	}
	return evicted
}

// MarkConnected moves the user's connection connID to the connected state.
// It returns false if connID is no longer the user's connection.
func (r *Registry) MarkConnected(userID, connID string) bool {
	sh := r.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.byUser[userID]
	if !ok || e.handle.ID() != connID {
		return false
	}
	e.state = StateConnected
	e.lastSeen = r.now()
	return true
}

// MarkHealthy records liveness for connID.
func (r *Registry) MarkHealthy(userID, connID string) {
	sh := r.shard(userID)
	sh.mu.Lock()
	if e, ok := sh.byUser[userID]; ok && e.handle.ID() == connID {
		e.lastSeen = r.now()
	}
	sh.mu.Unlock()
}

// Get returns the user's live connection.
func (r *Registry) Get(userID string) (Handle, bool) {
	sh := r.shard(userID)
	sh.mu.RLock()
	e, ok := sh.byUser[userID]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// State returns the state of the user's connection, or StateDisconnected.
func (r *Registry) State(userID string) State {
	sh := r.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if e, ok := sh.byUser[userID]; ok {
		return e.state
	}
	return StateDisconnected
}

// IsCurrent reports whether connID is the user's registered connection.
func (r *Registry) IsCurrent(userID, connID string) bool {
	h, ok := r.Get(userID)
	return ok && h.ID() == connID
}

// Remove drops the user's entry if it still belongs to connID. A late
// cleanup of an evicted connection therefore never removes its successor.
func (r *Registry) Remove(userID, connID string) bool {
	sh := r.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.byUser[userID]
	if !ok || e.handle.ID() != connID {
		return false
	}
	e.state = StateDisconnected
	delete(sh.byUser, userID)
	return true
}

// Online filters userIDs down to users with a connected connection.
func (r *Registry) Online(userIDs []string) []string {
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if r.State(id) == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.byUser)
		sh.mu.RUnlock()
	}
	return n
}

// snapshot is a point-in-time copy of one entry.
type snapshot struct {
	handle   Handle
	lastSeen time.Time
}

func (r *Registry) snapshots() []snapshot {
	var out []snapshot
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, e := range sh.byUser {
			out = append(out, snapshot{handle: e.handle, lastSeen: e.lastSeen})
		}
		sh.mu.RUnlock()
	}
	return out
}

