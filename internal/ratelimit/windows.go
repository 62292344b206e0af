package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/voyago/chat/internal/metrics"
)

const windowShards = 32

// Decision is the outcome of a Windows.Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Windows keeps a sliding-window log per (connection, action). A denied
// check does not record an event, so a throttled client recovers as soon as
// its oldest counted event leaves the window.
type Windows struct {
	shards [windowShards]windowShard
	now    func() time.Time
}

type windowShard struct {
	mu    sync.Mutex
	conns map[string]map[string][]time.Time // connID -> action -> event times
}

// NewWindows creates an empty Windows.
func NewWindows() *Windows {
	w := &Windows{now: time.Now}
	for i := range w.shards {
		w.shards[i].conns = make(map[string]map[string][]time.Time)
	}
	return w
}

func (w *Windows) shard(connID string) *windowShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return &w.shards[h.Sum32()%windowShards]
}

// Check records an event for connID under rule if the window has room.
func (w *Windows) Check(connID string, rule Rule) Decision {
	now := w.now()
	sh := w.shard(connID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	actions, ok := sh.conns[connID]
	if !ok {
		actions = make(map[string][]time.Time)
		sh.conns[connID] = actions
	}

	events := trim(actions[rule.Key], now.Add(-rule.Window))
	if len(events) >= rule.Limit {
		actions[rule.Key] = events
		retry := events[0].Add(rule.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	events = append(events, now)
	actions[rule.Key] = events
	return Decision{Allowed: true, Remaining: rule.Limit - len(events)}
}

// trim drops events at or before cutoff. Events are in ascending order.
func trim(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}

// Forget discards every window held for connID.
func (w *Windows) Forget(connID string) {
	sh := w.shard(connID)
	sh.mu.Lock()
	delete(sh.conns, connID)
	sh.mu.Unlock()
}

// Len returns the number of connections with at least one window.
func (w *Windows) Len() int {
	n := 0
	for i := range w.shards {
		sh := &w.shards[i]
		sh.mu.Lock()
		n += len(sh.conns)
		sh.mu.Unlock()
	}
	return n
}

// Sweep drops events older than maxAge, removes empty windows and reports
// what is left to the windows gauge. maxAge must be at least the longest
// rule window.
func (w *Windows) Sweep(maxAge time.Duration) {
	cutoff := w.now().Add(-maxAge)
	for i := range w.shards {
		sh := &w.shards[i]
		sh.mu.Lock()
		for connID, actions := range sh.conns {
			for key, events := range actions {
				events = trim(events, cutoff)
				if len(events) == 0 {
					delete(actions, key)
				} else {
					actions[key] = events
				}
			}
			if len(actions) == 0 {
				delete(sh.conns, connID)
			}
		}
		sh.mu.Unlock()
	}
	metrics.RateLimitWindows.Set(float64(w.Len()))
}

// StartSweeper runs Sweep every interval until ctx is done.
func (w *Windows) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Sweep(maxAge)
			}
		}
	}()
}
