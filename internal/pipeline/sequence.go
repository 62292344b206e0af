package pipeline

import (
	"hash/fnv"
	"sync"
)

const seqShards = 64

// sequencer hands out per-room monotonic sequence numbers. A room's lock is
// held from persistence through broadcast so occupants see messages in the
// order they were stored.
type sequencer struct {
	locks [seqShards]sync.Mutex
	mu    sync.Mutex
	last  map[string]int64
}

func newSequencer() *sequencer {
	return &sequencer{last: make(map[string]int64)}
}

func (s *sequencer) lock(roomID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	l := &s.locks[h.Sum32()%seqShards]
	l.Lock()
	return l.Unlock
}

// seeded reports whether the room's counter has been initialised.
func (s *sequencer) seeded(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.last[roomID]
	return ok
}

// next returns the room's next sequence number, never at or below seed.
// Callers must hold the room's lock.
func (s *sequencer) next(roomID string, seed int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.last[roomID]
	if !ok || last < seed {
		last = seed
	}
	last++
	s.last[roomID] = last
	return last
}

// rollback returns seq to the room after a failed persist so the next
// message reuses it.
func (s *sequencer) rollback(roomID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last[roomID] == seq {
		s.last[roomID] = seq - 1
	}
}
