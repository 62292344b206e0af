package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"github.com/voyago/chat/internal/chat"
	"github.com/voyago/chat/internal/metrics"
	"github.com/voyago/chat/internal/pipeline"
	"github.com/voyago/chat/internal/protocol"
)

// Dispatch handles one inbound frame from connID. Events of one connection
// are handled in arrival order; frames from connections that are no longer
// current are dropped.
func (c *Controller) Dispatch(ctx context.Context, connID string, data []byte) {
	s, ok := c.Session(connID)
	if !ok || !s.connected.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !c.deps.Registry.IsCurrent(s.UserID, s.ConnID) {
		return
	}
	c.deps.Registry.MarkHealthy(s.UserID, s.ConnID)

	env, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		var ack json.RawMessage
		msgType := "invalid"
		if env != nil {
			ack, msgType = env.Ack, env.Type
		}
		c.reply(s, msgType, ack, nil, chat.Validation("%s", err.Error()))
		return
	}

	a := pipeline.Actor{ConnID: s.ConnID, UserID: s.UserID}
	payload, err := c.handle(ctx, s, a, env.Type, msg)
	if env.Type == protocol.TypePing {
		c.send(s, protocol.TypePong, protocol.PongMsg{})
		if !env.WantsAck() {
			return
		}
	}
	c.reply(s, env.Type, env.Ack, payload, err)
}

// handle routes a decoded event. Panics are recovered and reported as
// INTERNAL_ERROR so one bad event never takes the connection down.
func (c *Controller) handle(ctx context.Context, s *Session, a pipeline.Actor, msgType string, msg interface{}) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "lifecycle").
				Str("conn", s.ConnID).
				Str("type", msgType).
				Str("stack", string(debug.Stack())).
				Msgf("panic in handler: %v", r)
			payload, err = nil, chat.Internal(fmt.Errorf("panic: %v", r))
		}
	}()

	switch m := msg.(type) {
	case protocol.JoinRoomMsg:
		res, err := c.rooms.Join(ctx, a, m)
		if err != nil {
			return nil, err
		}
		c.send(s, protocol.TypeRoomHistory, &protocol.RoomHistoryMsg{
			RoomID:        res.Room.ID,
			Messages:      res.Messages,
			OnlineMembers: res.OnlineMembers,
			Pinned:        res.Pinned,
		})
		// History travels in the room_history frame only.
		return map[string]any{"roomId": res.Room.ID, "room": res.Room}, nil

	case protocol.LeaveRoomMsg:
		return map[string]string{"roomId": m.RoomID}, c.rooms.Leave(ctx, a, m)

	case protocol.SendMessageMsg:
		return c.messages.Send(ctx, a, m)

	case protocol.TypingMsg:
		if msgType == protocol.TypeTypingStart {
			return nil, c.presence.TypingStart(ctx, a, m)
		}
		return nil, c.presence.TypingStop(ctx, a, m)

	case protocol.AddReactionMsg:
		return c.messages.AddReaction(ctx, a, m)

	case protocol.DeleteMessageMsg:
		return c.moderation.Delete(ctx, a, m)

	case protocol.ReportMessageMsg:
		out, err := c.moderation.Report(ctx, a, m)
		if err != nil {
			return nil, err
		}
		return map[string]string{"reportId": out.ReportID}, nil

	case protocol.ModerateMessageMsg:
		return c.moderation.Moderate(ctx, a, m)

	case protocol.TogglePinMsg:
		return c.moderation.TogglePin(ctx, a, m)

	case protocol.GetRoomsMsg:
		out, err := c.rooms.List(ctx, a, m)
		if err != nil {
			return nil, err
		}
		c.send(s, protocol.TypeRoomsList, out)
		return out, nil

	case protocol.PingMsg:
		return nil, nil
	}
	return nil, chat.Validation("unsupported message type %q", msgType)
}

// reply answers an event. With an ack id the client gets an ack frame
// either way; without one only failures are reported, as error frames.
func (c *Controller) reply(s *Session, msgType string, ack json.RawMessage, payload interface{}, err error) {
	code := "ok"
	if err != nil {
		ce := chat.AsError(err)
		code = string(ce.Code)
		if ce.Code == chat.CodeInternal || ce.Code == chat.CodeUnavailable {
			log.Error().Str("module", "lifecycle").
				Str("conn", s.ConnID).
				Str("user", s.UserID).
				Str("type", msgType).
				Err(err).
				Msg("event failed")
		}
		err = ce
	}
	metrics.EventsTotal.WithLabelValues(msgType, code).Inc()

	var (
		data   []byte
		encErr error
	)
	wantsAck := len(ack) > 0 && string(ack) != "null"
	switch {
	case err != nil && wantsAck:
		data, encErr = protocol.NewAckError(ack, err.(*chat.Error))
	case err != nil:
		data, encErr = protocol.NewErrorMessage(err.(*chat.Error))
	case wantsAck:
		data, encErr = protocol.NewAck(ack, payload)
	default:
		return
	}
	if encErr != nil {
		log.Error().Str("module", "lifecycle").Str("type", msgType).Err(encErr).Msg("encode reply failed")
		return
	}
	c.write(s, data)
}
