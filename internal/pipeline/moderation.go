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

// AutoReasonPrefix marks moderation applied by content review rather than a
// person.
const AutoReasonPrefix = "auto:"

// Muter counts reports against a user and mutes them once a threshold is
// reached, or at once for an offense a moderator confirmed. It matches
// ban.Store.
type Muter interface {
	ReportAndCheck(ctx context.Context, userID, reason string) (bool, time.Duration, error)
	Escalate(ctx context.Context, userID, reason string) (time.Duration, error)
}

// ModerationPipeline handles deletes, reports, moderation and pins. Every
// operation resolves the message's room before checking permissions.
type ModerationPipeline struct {
	*Deps
	muter Muter
}

// NewModerationPipeline creates a ModerationPipeline. muter may be nil.
func NewModerationPipeline(deps *Deps, muter Muter) *ModerationPipeline {
	return &ModerationPipeline{Deps: deps, muter: muter}
}

// Delete soft-deletes a message. Senders may delete their own messages;
// anyone else needs delete_messages in the message's room.
func (p *ModerationPipeline) Delete(ctx context.Context, a Actor, req protocol.DeleteMessageMsg) (*protocol.MessageDeletedMsg, error) {
	msg, room, err := p.loadMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := p.storeCtx(ctx)
	err = p.Gate.CanDelete(sctx, a.UserID, msg, room)
	cancel()
	if err != nil {
		return nil, err
	}
	if err := p.limit(a, ratelimit.RuleModeration); err != nil {
		return nil, err
	}

	start := time.Now()
	sctx, cancel = p.storeCtx(ctx)
	_, err = p.Messages.SoftDelete(sctx, msg.ID, a.UserID)
	cancel()
	metrics.ObserveStore("message_delete", start)
	if err != nil {
		return nil, chat.StoreError(err, "message")
	}
	if msg.Pinned {
		p.Tracker.ApplyPin(room.ID, msg.ID, false)
	}

	out := &protocol.MessageDeletedMsg{MessageID: msg.ID, RoomID: room.ID, DeletedBy: a.UserID}
	p.broadcast(room.ID, protocol.TypeMessageDeleted, out, "")
	return out, nil
}

// Report records a report against a message and notifies the room's
// moderators that are connected, whether or not they joined the room.
func (p *ModerationPipeline) Report(ctx context.Context, a Actor, req protocol.ReportMessageMsg) (*protocol.MessageReportedMsg, error) {
	if !req.Reason.Valid() {
		return nil, chat.Validation("reason must be one of spam, harassment, inappropriate, other")
	}
	req.Description = strings.TrimSpace(req.Description)
	if err := chat.ValidateReason(req.Description, false); err != nil {
		return nil, err
	}

	msg, room, err := p.loadMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == a.UserID {
		return nil, chat.Validation("you cannot report your own message")
	}
	if err := p.limit(a, ratelimit.RuleReport); err != nil {
		return nil, err
	}

	report := &chat.Report{
		MessageID:      msg.ID,
		RoomID:         room.ID,
		ReporterID:     a.UserID,
		ReportedUserID: msg.SenderID,
		Reason:         req.Reason,
		Description:    req.Description,
	}
	start := time.Now()
	sctx, cancel := p.storeCtx(ctx)
	err = p.Messages.Report(sctx, report)
	cancel()
	metrics.ObserveStore("message_report", start)
	if err != nil {
		return nil, chat.StoreError(err, "message")
	}

	out := &protocol.MessageReportedMsg{
		ReportID:    report.ID,
		MessageID:   msg.ID,
		RoomID:      room.ID,
		ReporterID:  a.UserID,
		Reason:      req.Reason,
		Description: req.Description,
	}
	if data, err := protocol.NewServerMessage(protocol.TypeMessageReported, out); err == nil {
		sctx, cancel := p.storeCtx(ctx)
		p.Fanout.ToUsers(p.Gate.Moderators(sctx, room), data)
		cancel()
	}

	p.countReport(ctx, msg.SenderID, string(req.Reason))
	return out, nil
}

// countReport feeds the report into the mute escalation. Failures are logged
// only; the report itself is already stored.
func (p *ModerationPipeline) countReport(ctx context.Context, userID, reason string) {
	if p.muter == nil || userID == chat.SystemUserID {
		return
	}
	sctx, cancel := p.storeCtx(ctx)
	defer cancel()
	muted, d, err := p.muter.ReportAndCheck(sctx, userID, reason)
	if err != nil {
		log.Warn().Str("module", "moderation").Str("user", userID).Err(err).Msg("report count failed")
		return
	}
	if muted {
		log.Info().Str("module", "moderation").Str("user", userID).Dur("duration", d).Msg("user muted after reports")
	}
}

// Moderate hides a message with a reason. It requires moderate_messages.
func (p *ModerationPipeline) Moderate(ctx context.Context, a Actor, req protocol.ModerateMessageMsg) (*protocol.MessageModeratedMsg, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := chat.ValidateReason(req.Reason, true); err != nil {
		return nil, err
	}
	msg, room, err := p.loadMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := p.storeCtx(ctx)
	err = p.Gate.Require(sctx, a.UserID, room, chat.PermModerateMessages)
	cancel()
	if err != nil {
		return nil, err
	}
	if err := p.limit(a, ratelimit.RuleModeration); err != nil {
		return nil, err
	}

	out, err := p.moderate(ctx, msg, room.ID, a.UserID, req.Reason)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != a.UserID {
		p.escalate(ctx, msg.SenderID, req.Reason)
	}
	return out, nil
}

// escalate mutes the author of a message a moderator hid.
func (p *ModerationPipeline) escalate(ctx context.Context, userID, reason string) {
	if p.muter == nil || userID == chat.SystemUserID {
		return
	}
	sctx, cancel := p.storeCtx(ctx)
	defer cancel()
	d, err := p.muter.Escalate(sctx, userID, reason)
	if err != nil {
		log.Warn().Str("module", "moderation").Str("user", userID).Err(err).Msg("mute escalation failed")
		return
	}
	log.Info().Str("module", "moderation").Str("user", userID).Dur("duration", d).Msg("user muted by moderator")
}

func (p *ModerationPipeline) moderate(ctx context.Context, msg *chat.Message, roomID, by, reason string) (*protocol.MessageModeratedMsg, error) {
	start := time.Now()
	sctx, cancel := p.storeCtx(ctx)
	_, err := p.Messages.Moderate(sctx, msg.ID, by, reason)
	cancel()
	metrics.ObserveStore("message_moderate", start)
	if err != nil {
		return nil, chat.StoreError(err, "message")
	}
	if msg.Pinned {
		p.Tracker.ApplyPin(roomID, msg.ID, false)
	}

	out := &protocol.MessageModeratedMsg{MessageID: msg.ID, RoomID: roomID, Reason: reason, ModeratedBy: by}
	p.broadcast(roomID, protocol.TypeMessageModerated, out, "")
	return out, nil
}

// ApplyReview moderates a message flagged by content review and counts the
// flag against the sender like a report. Messages that were deleted or
// already moderated in the meantime are left alone.
func (p *ModerationPipeline) ApplyReview(ctx context.Context, messageID, reason string) error {
	sctx, cancel := p.storeCtx(ctx)
	msg, err := p.Messages.FindByID(sctx, messageID)
	cancel()
	if err != nil {
		return chat.StoreError(err, "message")
	}
	if msg.State != chat.StateActive {
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("flagged").Inc()
	if _, err := p.moderate(ctx, msg, msg.RoomID, chat.SystemUserID, AutoReasonPrefix+reason); err != nil {
		return err
	}
	p.countReport(ctx, msg.SenderID, AutoReasonPrefix+reason)
	return nil
}

// TogglePin flips a message's pinned flag. It requires pin_messages.
func (p *ModerationPipeline) TogglePin(ctx context.Context, a Actor, req protocol.TogglePinMsg) (*protocol.MessagePinToggledMsg, error) {
	msg, room, err := p.loadMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := p.storeCtx(ctx)
	err = p.Gate.Require(sctx, a.UserID, room, chat.PermPinMessages)
	cancel()
	if err != nil {
		return nil, err
	}
	if !msg.Pinned && msg.State == chat.StateModerated {
		return nil, chat.Validation("moderated messages cannot be pinned")
	}
	if err := p.limit(a, ratelimit.RuleModeration); err != nil {
		return nil, err
	}

	start := time.Now()
	sctx, cancel = p.storeCtx(ctx)
	updated, err := p.Messages.TogglePin(sctx, msg.ID)
	cancel()
	metrics.ObserveStore("message_pin", start)
	if err != nil {
		return nil, chat.StoreError(err, "message")
	}

	out := &protocol.MessagePinToggledMsg{
		MessageID: updated.ID,
		RoomID:    room.ID,
		Pinned:    updated.Pinned,
		ToggledBy: a.UserID,
	}
	p.ApplyPinEvent(out)
	p.broadcast(room.ID, protocol.TypeMessagePinToggled, out, "")
	return out, nil
}

// ApplyPinEvent folds a pin event, local or relayed from another instance,
// into the tracker's pinned set.
func (p *ModerationPipeline) ApplyPinEvent(evt *protocol.MessagePinToggledMsg) {
	p.Tracker.ApplyPin(evt.RoomID, evt.MessageID, evt.Pinned)
}
