// Package lifecycle drives a connection from acceptance to cleanup. It
// registers the connection (evicting any previous one for the same user),
// restores rooms for resumed sessions, routes inbound events to the
// pipelines, and runs one cleanup path however the connection ends.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/metrics"
	"github.com/voyago/chat/internal/pipeline"
	"github.com/voyago/chat/internal/protocol"
	"github.com/voyago/chat/internal/registry"
	"github.com/voyago/chat/internal/session"
)

// Join is how a connection enters: FreshJoin or ResumedJoin.
type Join interface {
	isJoin()
}

// FreshJoin starts with no rooms.
type FreshJoin struct{}

// ResumedJoin restores the rooms of a recent session of the same user.
type ResumedJoin struct {
	PriorSessionID string
}

func (FreshJoin) isJoin()   {}
func (ResumedJoin) isJoin() {}

// JoinFor returns ResumedJoin when priorSessionID is set.
func JoinFor(priorSessionID string) Join {
	if priorSessionID == "" {
		return FreshJoin{}
	}
	return ResumedJoin{PriorSessionID: priorSessionID}
}

// Recovery persists snapshots of disconnected sessions. It matches
// session.Store.
type Recovery interface {
	Save(ctx context.Context, sessionID, userID string, rooms []string, createdAt time.Time) error
	Load(ctx context.Context, sessionID string) (*session.Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
}

// EvictionPublisher tells other instances that userID connected here.
type EvictionPublisher interface {
	PublishEvict(userID, connID string) error
}

// Config wires a Controller.
type Config struct {
	Deps       *pipeline.Deps
	Messages   *pipeline.MessagePipeline
	Moderation *pipeline.ModerationPipeline
	Presence   *pipeline.Presence
	Rooms      *pipeline.RoomPipeline
	Recovery   Recovery          // optional
	Evictions  EvictionPublisher // optional
}

// Session is the controller's state for one accepted connection.
type Session struct {
	ID        string
	UserID    string
	ConnID    string
	Resumed   bool
	CreatedAt time.Time

	handle    registry.Handle
	connected atomic.Bool
	cleanup   sync.Once
	mu        sync.Mutex // serializes event handling for the connection
}

// Controller owns the per-connection state machine.
type Controller struct {
	deps       *pipeline.Deps
	messages   *pipeline.MessagePipeline
	moderation *pipeline.ModerationPipeline
	presence   *pipeline.Presence
	rooms      *pipeline.RoomPipeline
	recovery   Recovery
	evictions  EvictionPublisher

	mu       sync.RWMutex
	sessions map[string]*Session // connID -> session
}

// New creates a Controller.
func New(cfg Config) *Controller {
	return &Controller{
		deps:       cfg.Deps,
		messages:   cfg.Messages,
		moderation: cfg.Moderation,
		presence:   cfg.Presence,
		rooms:      cfg.Rooms,
		recovery:   cfg.Recovery,
		evictions:  cfg.Evictions,
		sessions:   make(map[string]*Session),
	}
}

// ErrReplaced is returned by Accept when another connection for the same
// user registered while this one was being set up.
var ErrReplaced = chat.AuthFailed("connection was replaced by a newer session")

// Accept moves h from connecting to connected. Any previous connection of
// the same user is evicted and fully cleaned up before h is marked
// connected.
func (c *Controller) Accept(ctx context.Context, h registry.Handle, join Join) (*Session, error) {
	s := &Session{
		ID:        uuid.New().String(),
		UserID:    h.UserID(),
		ConnID:    h.ID(),
		CreatedAt: time.Now(),
		handle:    h,
	}
	c.mu.Lock()
	c.sessions[s.ConnID] = s
	c.mu.Unlock()

	if evicted := c.deps.Registry.Register(h); evicted != nil {
		metrics.Evictions.WithLabelValues("local").Inc()
		c.Disconnect(evicted, registry.ReasonReplaced)
	}
	if c.evictions != nil {
		if err := c.evictions.PublishEvict(s.UserID, s.ConnID); err != nil {
			log.Warn().Str("module", "lifecycle").Str("user", s.UserID).Err(err).Msg("publish eviction failed")
		}
	}

	var rooms []string
	if resumed, ok := join.(ResumedJoin); ok {
		rooms = c.resume(ctx, s, resumed)
	}
	current := func() bool { return c.deps.Registry.IsCurrent(s.UserID, s.ConnID) }
	if err := c.deps.Tracker.Bind(s.UserID, s.ConnID, rooms, current); err != nil {
		c.forget(s.ConnID)
		return nil, ErrReplaced
	}

	if !c.deps.Registry.MarkConnected(s.UserID, s.ConnID) {
		c.deps.Tracker.Clear(s.UserID, s.ConnID)
		c.forget(s.ConnID)
		return nil, ErrReplaced
	}
	s.connected.Store(true)
	metrics.ConnectionsTotal.Inc()

	if rooms == nil {
		rooms = []string{}
	}
	c.send(s, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: s.ID,
		UserID:    s.UserID,
		Resumed:   s.Resumed,
		Rooms:     rooms,
	})
	if s.Resumed {
		c.replay(ctx, s, rooms)
		c.presence.Online(s.UserID, rooms)
	}

	log.Info().Str("module", "lifecycle").
		Str("conn", s.ConnID).
		Str("user", s.UserID).
		Bool("resumed", s.Resumed).
		Int("rooms", len(rooms)).
		Msg("connected")
	return s, nil
}

// resume works out which rooms a resumed connection gets back. Recorded
// membership is authoritative; a snapshot of the prior session, when still
// present and owned by the same user, narrows it to the rooms that session
// was in. Failures degrade to a fresh join.
func (c *Controller) resume(ctx context.Context, s *Session, join ResumedJoin) []string {
	var held map[string]bool
	if c.recovery != nil {
		sctx, cancel := context.WithTimeout(ctx, c.storeTimeout())
		snap, err := c.recovery.Load(sctx, join.PriorSessionID)
		cancel()
		switch {
		case err == nil && snap.UserID == s.UserID:
			held = make(map[string]bool)
			for _, id := range snap.RoomIDs() {
				held[id] = true
			}
			sctx, cancel = context.WithTimeout(ctx, c.storeTimeout())
			_ = c.recovery.Delete(sctx, join.PriorSessionID)
			cancel()
		case err == nil:
			log.Warn().Str("module", "lifecycle").Str("user", s.UserID).Str("prior", join.PriorSessionID).Msg("resume of another user's session ignored")
			return nil
		case !errors.Is(err, session.ErrNotFound):
			log.Warn().Str("module", "lifecycle").Str("user", s.UserID).Err(err).Msg("load snapshot failed")
		}
	}

	recorded, err := c.rooms.Recover(ctx, s.UserID)
	if err != nil {
		log.Warn().Str("module", "lifecycle").Str("user", s.UserID).Err(err).Msg("recover rooms failed, starting fresh")
		return nil
	}
	s.Resumed = true
	if held == nil {
		return recorded
	}
	rooms := make([]string, 0, len(recorded))
	for _, id := range recorded {
		if held[id] {
			rooms = append(rooms, id)
		}
	}
	return rooms
}

// replay sends the latest page of each recovered room. Rooms are loaded
// concurrently and sent in order.
func (c *Controller) replay(ctx context.Context, s *Session, rooms []string) {
	history := make([]*protocol.RoomHistoryMsg, len(rooms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, roomID := range rooms {
		g.Go(func() error {
			history[i] = c.rooms.History(gctx, roomID)
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range history {
		c.send(s, protocol.TypeRoomHistory, h)
	}
}

func (c *Controller) storeTimeout() time.Duration {
	if c.deps.StoreTimeout > 0 {
		return c.deps.StoreTimeout
	}
	return pipeline.DefaultStoreTimeout
}

// Session returns the session of connID.
func (c *Controller) Session(connID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[connID]
	return s, ok
}

// Touch records liveness for connID, e.g. on a transport pong.
func (c *Controller) Touch(connID string) {
	if s, ok := c.Session(connID); ok {
		c.deps.Registry.MarkHealthy(s.UserID, s.ConnID)
	}
}

func (c *Controller) forget(connID string) {
	c.mu.Lock()
	delete(c.sessions, connID)
	c.mu.Unlock()
}

// Disconnect runs the cleanup path for h exactly once, whatever ended the
// connection: transport close, heartbeat timeout, eviction or a fatal
// handler error.
func (c *Controller) Disconnect(h registry.Handle, reason string) {
	s, ok := c.Session(h.ID())
	if !ok {
		return
	}
	s.cleanup.Do(func() {
		c.cleanup(s, reason)
	})
}

func (c *Controller) cleanup(s *Session, reason string) {
	rooms := c.deps.Tracker.Clear(s.UserID, s.ConnID)
	c.presence.Offline(s.UserID, rooms)
	c.deps.Limits.Forget(s.ConnID)
	c.deps.Registry.Remove(s.UserID, s.ConnID)
	c.forget(s.ConnID)

	if c.recovery != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout())
		if err := c.recovery.Save(ctx, s.ID, s.UserID, rooms, s.CreatedAt); err != nil {
			log.Warn().Str("module", "lifecycle").Str("session", s.ID).Err(err).Msg("save snapshot failed")
		}
		cancel()
	}

	if s.connected.Load() {
		metrics.ConnectionsTotal.Dec()
	}
	if reason == registry.ReasonHeartbeat {
		metrics.HeartbeatTimeouts.Inc()
	}

	log.Info().Str("module", "lifecycle").
		Str("conn", s.ConnID).
		Str("user", s.UserID).
		Str("reason", reason).
		Int("rooms", len(rooms)).
		Msg("disconnected")
}

// EvictRemote closes the local connection of userID unless it is connID,
// the connection that registered on another instance.
func (c *Controller) EvictRemote(userID, connID string) {
	h, ok := c.deps.Registry.Get(userID)
	if !ok || h.ID() == connID {
		return
	}
	metrics.Evictions.WithLabelValues("remote").Inc()
	_ = h.Close(registry.ReasonReplaced)
	c.Disconnect(h, registry.ReasonReplaced)
}

func (c *Controller) send(s *Session, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Str("module", "lifecycle").Str("type", msgType).Err(err).Msg("encode failed")
		return
	}
	c.write(s, data)
}

// write delivers data to the session's connection. A failed write is fatal
// for the connection.
func (c *Controller) write(s *Session, data []byte) {
	if err := s.handle.Send(data); err != nil {
		log.Debug().Str("module", "lifecycle").Str("conn", s.ConnID).Err(err).Msg("write failed, closing")
		_ = s.handle.Close(ReasonWriteFailed)
		c.Disconnect(s.handle, ReasonWriteFailed)
	}
}

// ReasonWriteFailed is the close reason after an outbound write error.
const ReasonWriteFailed = "write failed"
