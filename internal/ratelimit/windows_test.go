package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/voyago/chat/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWindows() (*Windows, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := NewWindows()
	w.now = clock.Now
	return w, clock
}

func TestCheck_AllowsUpToLimit(t *testing.T) {
	w, _ := newTestWindows()
	rule := Rule{Key: "test", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d := w.Check("c1", rule)
		if !d.Allowed {
			t.Fatalf("event %d denied", i+1)
		}
		if d.Remaining != 2-i {
			t.Errorf("event %d remaining = %d, want %d", i+1, d.Remaining, 2-i)
		}
	}

	d := w.Check("c1", rule)
	if d.Allowed {
		t.Fatal("event over limit allowed")
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %s, want 1m", d.RetryAfter)
	}
}

// Thirty sends inside a minute pass, the thirty-first is denied, and the
// first send after the oldest leaves the window passes again.
func TestCheck_SendMessageWindowSlides(t *testing.T) {
	w, clock := newTestWindows()

	for i := 0; i < 30; i++ {
		if d := w.Check("conn", RuleSendMessage); !d.Allowed {
			t.Fatalf("send %d denied", i+1)
		}
		clock.Advance(time.Second)
	}

	d := w.Check("conn", RuleSendMessage)
	if d.Allowed {
		t.Fatal("31st send within a minute allowed")
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %s, want 30s", d.RetryAfter)
	}

	clock.Advance(30*time.Second + time.Millisecond)
	if d := w.Check("conn", RuleSendMessage); !d.Allowed {
		t.Fatal("send after oldest event expired was denied")
	}
}

func TestCheck_DenialDoesNotConsume(t *testing.T) {
	w, clock := newTestWindows()
	rule := Rule{Key: "test", Limit: 1, Window: 10 * time.Second}

	w.Check("c1", rule)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if w.Check("c1", rule).Allowed {
			t.Fatal("denied window allowed an event")
		}
	}
	// Only the first event counts, so the window opens 10s after it.
	clock.Advance(5*time.Second + time.Millisecond)
	if !w.Check("c1", rule).Allowed {
		t.Fatal("denials extended the window")
	}
}

func TestCheck_IsolatedPerConnectionAndAction(t *testing.T) {
	w, _ := newTestWindows()
	rule := Rule{Key: "a", Limit: 1, Window: time.Minute}
	other := Rule{Key: "b", Limit: 1, Window: time.Minute}

	if !w.Check("c1", rule).Allowed {
		t.Fatal("first event denied")
	}
	if w.Check("c1", rule).Allowed {
		t.Fatal("second event allowed")
	}
	if !w.Check("c2", rule).Allowed {
		t.Error("other connection affected")
	}
	if !w.Check("c1", other).Allowed {
		t.Error("other action affected")
	}
}

func TestForget_ResetsWindows(t *testing.T) {
	w, _ := newTestWindows()

	for i := 0; i < RuleReport.Limit; i++ {
		w.Check("c1", RuleReport)
	}
	if w.Check("c1", RuleReport).Allowed {
		t.Fatal("sixth report allowed")
	}

	w.Forget("c1")
	if w.Len() != 0 {
		t.Fatalf("Len() = %d after Forget, want 0", w.Len())
	}
	if !w.Check("c1", RuleReport).Allowed {
		t.Error("report denied after Forget")
	}
}

func TestSweep_RemovesIdleWindows(t *testing.T) {
	w, clock := newTestWindows()
	for i := 0; i < 10; i++ {
		w.Check(fmt.Sprintf("c%d", i), RuleTyping)
	}
	if w.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", w.Len())
	}

	clock.Advance(6 * time.Minute)
	w.Check("fresh", RuleTyping)
	w.Sweep(5 * time.Minute)

	if w.Len() != 1 {
		t.Errorf("Len() = %d after sweep, want 1", w.Len())
	}
	if got := testutil.ToFloat64(metrics.RateLimitWindows); got != 1 {
		t.Errorf("windows gauge = %v after sweep, want 1", got)
	}
}

func TestCheck_Concurrent(t *testing.T) {
	w := NewWindows()
	rule := Rule{Key: "test", Limit: 100, Window: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if w.Check("shared", rule).Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != rule.Limit {
		t.Errorf("allowed = %d, want %d", allowed, rule.Limit)
	}
}
