// Package registrytest provides an in-memory registry.Handle that records
// every frame written to it.
package registrytest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrClosed is returned by Send and Ping after Close.
var ErrClosed = errors.New("registrytest: connection closed")

// Handle is a fake connection.
type Handle struct {
	id     string
	userID string

	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeReason string
	pingErr     error
	onClose     func(h *Handle, reason string)
}

// New creates a Handle for userID with connection id id.
func New(id, userID string) *Handle {
	return &Handle{id: id, userID: userID}
}

func (h *Handle) ID() string     { return h.id }
func (h *Handle) UserID() string { return h.userID }

func (h *Handle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.frames = append(h.frames, append([]byte(nil), data...))
	return nil
}

func (h *Handle) Ping() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return h.pingErr
}

// Close marks the handle closed and invokes the OnClose hook once.
func (h *Handle) Close(reason string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.closeReason = reason
	hook := h.onClose
	h.mu.Unlock()

	if hook != nil {
		hook(h, reason)
	}
	return nil
}

// OnClose registers a hook run by the first Close, the way the transport
// runs disconnect cleanup.
func (h *Handle) OnClose(fn func(h *Handle, reason string)) {
	h.mu.Lock()
	h.onClose = fn
	h.mu.Unlock()
}

// FailPings makes every subsequent Ping return err.
func (h *Handle) FailPings(err error) {
	h.mu.Lock()
	h.pingErr = err
	h.mu.Unlock()
}

// Closed reports whether Close was called and with which reason.
func (h *Handle) Closed() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed, h.closeReason
}

// Frames returns a copy of every frame sent so far.
func (h *Handle) Frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames))
	copy(out, h.frames)
	return out
}

// Event is a decoded outbound frame.
type Event map[string]any

// Type returns the frame's type discriminator.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// Events decodes every frame sent so far.
func (h *Handle) Events() []Event {
	frames := h.Frames()
	out := make([]Event, 0, len(frames))
	for _, f := range frames {
		var e Event
		if err := json.Unmarshal(f, &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// EventsOfType returns decoded frames whose type is t.
func (h *Handle) EventsOfType(t string) []Event {
	var out []Event
	for _, e := range h.Events() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards recorded frames.
func (h *Handle) Reset() {
	h.mu.Lock()
	h.frames = nil
	h.mu.Unlock()
}
