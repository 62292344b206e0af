package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/membership"
	"github.com/voyago/chat/internal/metrics"
	"github.com/voyago/chat/internal/permission"
	"github.com/voyago/chat/internal/protocol"
	"github.com/voyago/chat/internal/ratelimit"
	"github.com/voyago/chat/internal/registry"
)

// DefaultStoreTimeout bounds every store call made while handling an event.
const DefaultStoreTimeout = 4 * time.Second

// Actor identifies the connection an event arrived on.
type Actor struct {
	ConnID string
	UserID string
}

// Deps are the collaborators shared by every pipeline.
type Deps struct {
	Registry     *registry.Registry
	Tracker      *membership.Tracker
	Gate         *permission.Gate
	Limits       *ratelimit.Windows
	Rooms        chat.RoomStore
	Messages     chat.MessageStore
	Users        chat.UserStore
	Fanout       Fanout
	StoreTimeout time.Duration
}

func (d *Deps) timeout() time.Duration {
	if d.StoreTimeout > 0 {
		return d.StoreTimeout
	}
	return DefaultStoreTimeout
}

// storeCtx derives the context for a single store call.
func (d *Deps) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout())
}

// limit applies a per-connection rate rule.
func (d *Deps) limit(a Actor, rule ratelimit.Rule) error {
	dec := d.Limits.Check(a.ConnID, rule)
	if dec.Allowed {
		return nil
	}
	metrics.RateLimited.WithLabelValues(rule.Key).Inc()
	return chat.RateLimited(dec.RetryAfter)
}

// requireIn rejects actors whose connection has not joined roomID.
func (d *Deps) requireIn(a Actor, roomID string) error {
	if !d.Tracker.IsIn(a.UserID, roomID) {
		return chat.AccessDenied("join the room first")
	}
	return nil
}

// sender resolves display fields for userID, falling back to the bare id
// when the user store is unavailable.
func (d *Deps) sender(ctx context.Context, userID string) chat.Sender {
	if userID == chat.SystemUserID {
		return chat.SystemSender
	}
	sctx, cancel := d.storeCtx(ctx)
	defer cancel()
	u, err := d.Users.FindByID(sctx, userID)
	if err != nil {
		log.Warn().Str("module", "pipeline").Str("user", userID).Err(err).Msg("resolve sender failed")
		return chat.Sender{ID: userID, Username: userID, DisplayName: userID}
	}
	return chat.SenderOf(u)
}

// views resolves senders for a batch of messages, once per distinct sender.
func (d *Deps) views(ctx context.Context, msgs []*chat.Message) []protocol.MessageView {
	senders := make(map[string]chat.Sender)
	out := make([]protocol.MessageView, 0, len(msgs))
	for _, m := range msgs {
		s, ok := senders[m.SenderID]
		if !ok {
			s = d.sender(ctx, m.SenderID)
			senders[m.SenderID] = s
		}
		out = append(out, protocol.MessageView{Message: *m, Sender: s})
	}
	return out
}

// loadMessage fetches a message and its room. Deleted messages read as
// missing.
func (d *Deps) loadMessage(ctx context.Context, messageID string) (*chat.Message, *chat.Room, error) {
	if err := chat.ValidateID("messageId", messageID); err != nil {
		return nil, nil, err
	}
	sctx, cancel := d.storeCtx(ctx)
	msg, err := d.Messages.FindByID(sctx, messageID)
	cancel()
	if err != nil {
		return nil, nil, chat.StoreError(err, "message")
	}
	if msg.State == chat.StateDeleted {
		return nil, nil, chat.NotFound("message")
	}

	sctx, cancel = d.storeCtx(ctx)
	room, err := d.Gate.Room(sctx, msg.RoomID)
	cancel()
	if err != nil {
		return nil, nil, err
	}
	return msg, room, nil
}

// broadcast encodes payload and sends it to roomID.
func (d *Deps) broadcast(roomID, msgType string, payload interface{}, except string) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Str("module", "pipeline").Str("type", msgType).Err(err).Msg("encode broadcast failed")
		return
	}
	d.Fanout.ToRoom(roomID, data, except)
}
