package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/metrics"
	"github.com/voyago/chat/internal/protocol"
	"github.com/voyago/chat/internal/ratelimit"
)

// Reviewer receives persisted messages for asynchronous content review.
type Reviewer interface {
	Submit(msg *chat.Message)
}

// SendResult is returned to the sender in the ack.
type SendResult struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessagePipeline posts messages and reactions.
type MessagePipeline struct {
	*Deps
	seq      *sequencer
	reviewer Reviewer
}

// NewMessagePipeline creates a MessagePipeline. reviewer may be nil.
func NewMessagePipeline(deps *Deps, reviewer Reviewer) *MessagePipeline {
	return &MessagePipeline{Deps: deps, seq: newSequencer(), reviewer: reviewer}
}

func validateSend(req *protocol.SendMessageMsg) error {
	if err := chat.ValidateID("roomId", req.RoomID); err != nil {
		return err
	}
	if err := chat.ValidateContent(req.Content); err != nil {
		return err
	}
	if req.MessageType == "" {
		req.MessageType = chat.MessageText
	}
	if !req.MessageType.Valid() || req.MessageType == chat.MessageSystem {
		return chat.Validation("unsupported message type %q", req.MessageType)
	}
	req.Content = strings.TrimSpace(req.Content)
	return nil
}

// Send validates, authorizes, persists and broadcasts a message. The
// broadcast reaches every occupant of the room including the sender.
func (p *MessagePipeline) Send(ctx context.Context, a Actor, req protocol.SendMessageMsg) (SendResult, error) {
	if err := validateSend(&req); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return SendResult{}, err
	}
	if err := p.requireIn(a, req.RoomID); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return SendResult{}, err
	}

	sctx, cancel := p.storeCtx(ctx)
	room, err := p.Gate.Room(sctx, req.RoomID)
	if err == nil {
		err = p.Gate.CanPost(sctx, a.UserID, room)
	}
	cancel()
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return SendResult{}, err
	}

	if req.ReplyTo != "" {
		if err := p.checkReply(ctx, req.RoomID, req.ReplyTo); err != nil {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return SendResult{}, err
		}
	}

	if err := p.limit(a, ratelimit.RuleSendMessage); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return SendResult{}, err
	}

	msg := &chat.Message{
		RoomID:    req.RoomID,
		SenderID:  a.UserID,
		Content:   req.Content,
		Type:      req.MessageType,
		ReplyTo:   req.ReplyTo,
		Reactions: []chat.Reaction{},
		State:     chat.StateActive,
	}
	if err := p.persistAndBroadcast(ctx, room, msg); err != nil {
		return SendResult{}, err
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	if p.reviewer != nil && msg.Type == chat.MessageText {
		p.reviewer.Submit(msg)
	}
	return SendResult{ID: msg.ID, Seq: msg.Seq, CreatedAt: msg.CreatedAt}, nil
}

// persistAndBroadcast stamps the room sequence, stores msg and fans it out
// while holding the room's ordering lock.
func (p *MessagePipeline) persistAndBroadcast(ctx context.Context, room *chat.Room, msg *chat.Message) error {
	unlock := p.seq.lock(room.ID)
	defer unlock()

	msg.Seq = p.seq.next(room.ID, p.seqSeed(ctx, room))

	start := time.Now()
	sctx, cancel := p.storeCtx(ctx)
	err := p.Messages.Create(sctx, msg)
	cancel()
	metrics.ObserveStore("message_create", start)
	if err != nil {
		p.seq.rollback(room.ID, msg.Seq)
		return chat.StoreError(err, "room")
	}

	sctx, cancel = p.storeCtx(ctx)
	if err := p.Rooms.IncrementMessageCount(sctx, room.ID); err != nil {
		log.Warn().Str("module", "pipeline").Str("room", room.ID).Err(err).Msg("increment message count failed")
	}
	cancel()

	view := protocol.MessageView{Message: *msg, Sender: p.sender(ctx, msg.SenderID)}
	p.broadcast(room.ID, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: view}, "")
	return nil
}

// seqSeed returns the value a room's counter starts after on its first
// message in this process: the highest stored seq, or the message count
// when that cannot be read. Seeded rooms return 0.
func (p *MessagePipeline) seqSeed(ctx context.Context, room *chat.Room) int64 {
	if p.seq.seeded(room.ID) {
		return 0
	}
	sctx, cancel := p.storeCtx(ctx)
	defer cancel()
	latest, err := p.Messages.LatestSeq(sctx, room.ID)
	if err != nil {
		log.Warn().Str("module", "pipeline").Str("room", room.ID).Err(err).Msg("latest seq lookup failed, seeding from message count")
		return room.MessageCount
	}
	if room.MessageCount > latest {
		return room.MessageCount
	}
	return latest
}

func (p *MessagePipeline) checkReply(ctx context.Context, roomID, replyTo string) error {
	if err := chat.ValidateID("replyTo", replyTo); err != nil {
		return err
	}
	sctx, cancel := p.storeCtx(ctx)
	defer cancel()
	parent, err := p.Messages.FindByID(sctx, replyTo)
	if err != nil {
		return chat.StoreError(err, "reply target")
	}
	if parent.RoomID != roomID {
		return chat.Validation("replyTo must reference a message in the same room")
	}
	return nil
}

// AddReaction records a reaction and broadcasts the message's reaction list.
// Repeating a reaction is not an error; the store keeps one per user and
// emoji.
func (p *MessagePipeline) AddReaction(ctx context.Context, a Actor, req protocol.AddReactionMsg) (*protocol.ReactionAddedMsg, error) {
	if err := chat.ValidateEmoji(req.Emoji); err != nil {
		return nil, err
	}
	msg, _, err := p.loadMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if err := p.requireIn(a, msg.RoomID); err != nil {
		return nil, err
	}
	if err := p.limit(a, ratelimit.RuleReaction); err != nil {
		return nil, err
	}

	reaction := chat.Reaction{UserID: a.UserID, Emoji: req.Emoji}
	start := time.Now()
	sctx, cancel := p.storeCtx(ctx)
	updated, err := p.Messages.AddReaction(sctx, msg.ID, reaction)
	cancel()
	metrics.ObserveStore("message_react", start)
	if err != nil {
		return nil, chat.StoreError(err, "message")
	}

	out := &protocol.ReactionAddedMsg{
		MessageID: updated.ID,
		RoomID:    updated.RoomID,
		Reaction:  reaction,
		Reactions: updated.Reactions,
	}
	p.broadcast(updated.RoomID, protocol.TypeReactionAdded, out, "")
	return out, nil
}
