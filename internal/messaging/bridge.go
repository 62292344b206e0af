package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/moderation"
	"github.com/voyago/chat/internal/pipeline"
	"github.com/voyago/chat/internal/protocol"
)

// reviewTimeout bounds applying one moderation result.
const reviewTimeout = 5 * time.Second

// Publisher is the publishing half of NATSClient.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Handlers receive events relayed from other instances and the moderator.
type Handlers struct {
	// Evict closes the local connection of a user who connected elsewhere.
	Evict func(userID, connID string)
	// Pin folds a pin event from another instance into local state.
	Pin func(evt *protocol.MessagePinToggledMsg)
	// Review moderates a message flagged by content review.
	Review func(ctx context.Context, messageID, reason string) error
}

type roomEnvelope struct {
	Origin string          `json:"origin"`
	RoomID string          `json:"room_id"`
	Except string          `json:"except,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type usersEnvelope struct {
	Origin string          `json:"origin"`
	Users  []string        `json:"users"`
	Data   json.RawMessage `json:"data"`
}

type evictEnvelope struct {
	Origin string `json:"origin"`
	UserID string `json:"user_id"`
	ConnID string `json:"conn_id"`
}

// Bridge is a pipeline.Fanout that delivers locally and relays every frame
// to the other chat instances. It also publishes evictions and content
// review requests. Frames relayed back to their origin are ignored.
type Bridge struct {
	pub      Publisher
	origin   string
	local    pipeline.Fanout
	handlers Handlers
}

// NewBridge creates a Bridge that publishes through pub and delivers to
// local connections through local.
func NewBridge(pub Publisher, local pipeline.Fanout) *Bridge {
	return &Bridge{pub: pub, origin: uuid.New().String(), local: local}
}

// Origin identifies this instance on the wire.
func (b *Bridge) Origin() string { return b.origin }

// Start subscribes to relayed frames, evictions and moderation results.
func (b *Bridge) Start(client *NATSClient, h Handlers) error {
	b.handlers = h
	if err := client.Subscribe(SubjectRoom+".*", func(msg *nats.Msg) { b.handleRoom(msg.Data) }); err != nil {
		return err
	}
	if err := client.Subscribe(SubjectUsers, func(msg *nats.Msg) { b.handleUsers(msg.Data) }); err != nil {
		return err
	}
	if err := client.Subscribe(SubjectEvict, func(msg *nats.Msg) { b.handleEvict(msg.Data) }); err != nil {
		return err
	}
	return client.SubscribeModerationResult(b.handleResult)
}

func (b *Bridge) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Str("module", "bridge").Str("subject", subject).Err(err).Msg("encode failed")
		return
	}
	if err := b.pub.Publish(subject, data); err != nil {
		log.Warn().Str("module", "bridge").Str("subject", subject).Err(err).Msg("publish failed")
	}
}

// ToRoom implements pipeline.Fanout.
func (b *Bridge) ToRoom(roomID string, data []byte, except string) {
	b.local.ToRoom(roomID, data, except)
	b.publish(SubjectRoom+"."+roomID, roomEnvelope{Origin: b.origin, RoomID: roomID, Except: except, Data: data})
}

// ToUsers implements pipeline.Fanout.
func (b *Bridge) ToUsers(userIDs []string, data []byte) {
	if len(userIDs) == 0 {
		return
	}
	b.local.ToUsers(userIDs, data)
	b.publish(SubjectUsers, usersEnvelope{Origin: b.origin, Users: userIDs, Data: data})
}

// PublishEvict tells other instances that userID is now served by connID.
// It implements lifecycle.EvictionPublisher.
func (b *Bridge) PublishEvict(userID, connID string) error {
	data, err := json.Marshal(evictEnvelope{Origin: b.origin, UserID: userID, ConnID: connID})
	if err != nil {
		return err
	}
	return b.pub.Publish(SubjectEvict, data)
}

// Submit queues msg for content review. It implements pipeline.Reviewer.
func (b *Bridge) Submit(msg *chat.Message) {
	b.publish(SubjectModeration, moderation.Request{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Text:      msg.Content,
		Ts:        msg.CreatedAt.UnixMilli(),
	})
}

func (b *Bridge) handleRoom(data []byte) {
	var env roomEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Str("module", "bridge").Err(err).Msg("bad room envelope")
		return
	}
	if env.Origin == b.origin {
		return
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Data, &head); err == nil && head.Type == protocol.TypeMessagePinToggled && b.handlers.Pin != nil {
		var evt protocol.MessagePinToggledMsg
		if err := json.Unmarshal(env.Data, &evt); err == nil {
			b.handlers.Pin(&evt)
		}
	}
	b.local.ToRoom(env.RoomID, env.Data, env.Except)
}

func (b *Bridge) handleUsers(data []byte) {
	var env usersEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Str("module", "bridge").Err(err).Msg("bad users envelope")
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.local.ToUsers(env.Users, env.Data)
}

func (b *Bridge) handleEvict(data []byte) {
	var env evictEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Str("module", "bridge").Err(err).Msg("bad evict envelope")
		return
	}
	if env.Origin == b.origin || b.handlers.Evict == nil {
		return
	}
	b.handlers.Evict(env.UserID, env.ConnID)
}

func (b *Bridge) handleResult(data []byte) {
	var res moderation.Result
	if err := json.Unmarshal(data, &res); err != nil {
		log.Warn().Str("module", "bridge").Err(err).Msg("bad moderation result")
		return
	}
	if !res.Flagged || b.handlers.Review == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reviewTimeout)
	defer cancel()
	if err := b.handlers.Review(ctx, res.MessageID, res.Reason); err != nil {
		log.Warn().Str("module", "bridge").Str("message", res.MessageID).Err(err).Msg("apply review failed")
		return
	}
	log.Info().Str("module", "bridge").
		Str("message", res.MessageID).
		Str("room", res.RoomID).
		Str("reason", res.Reason).
		Str("term", res.Term).
		Int("recent_reports", res.RecentReports).
		Msg("message auto-moderated")
}
