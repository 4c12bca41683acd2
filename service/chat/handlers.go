package chat

import (
	"context"

	"roomgw/logger"
	"roomgw/service/presence"
	"roomgw/tools/decode"
	"roomgw/tools/errs"
)

// Frame handlers. Each runs on the session's reader goroutine; a returned
// error closes the connection (protocol violations), while business failures
// are answered with error frames and nil.

type joinHandler struct{}

func (joinHandler) Type() string { return TypeRoomJoin }

func (joinHandler) Handle(ctx *Context, sess *Session, payload map[string]any) error {
	p, err := decode.Map[RoomPayload](payload)
	if err != nil || p.RoomID == "" {
		return errs.ErrBadFrame.WithDetail("room:join requires roomId")
	}
	if !ctx.S.limiter.AllowMessage(sess.ID) {
		sess.Enqueue(BuildError(errs.ErrRateLimited.Code, p.RoomID))
		return nil
	}
	count, err := ctx.S.JoinRoom(sess, p.RoomID)
	if err != nil {
		sess.Enqueue(BuildError(errs.CodeOf(err), p.RoomID))
		return nil
	}
	sess.Enqueue(BuildRoomJoined(p.RoomID, count))
	return nil
}

type leaveHandler struct{}

func (leaveHandler) Type() string { return TypeRoomLeave }

func (leaveHandler) Handle(ctx *Context, sess *Session, payload map[string]any) error {
	p, err := decode.Map[RoomPayload](payload)
	if err != nil || p.RoomID == "" {
		return errs.ErrBadFrame.WithDetail("room:leave requires roomId")
	}
	if !ctx.S.limiter.AllowMessage(sess.ID) {
		sess.Enqueue(BuildError(errs.ErrRateLimited.Code, p.RoomID))
		return nil
	}
	ctx.S.LeaveRoom(sess, p.RoomID)
	sess.Enqueue(BuildRoomLeft(p.RoomID))
	return nil
}

type sendHandler struct{}

func (sendHandler) Type() string { return TypeMessageSend }

func (sendHandler) Handle(ctx *Context, sess *Session, payload map[string]any) error {
	p, err := decode.Map[MessageSendPayload](payload)
	if err != nil || p.RoomID == "" || p.Content == "" {
		return errs.ErrBadFrame.WithDetail("message:send requires roomId and content")
	}
	msg, err := ctx.S.pipeline.Send(context.Background(), sess.ID, sess.UserID, p.RoomID, p.Content)
	if err != nil {
		sess.Enqueue(BuildMessageError(errs.CodeOf(err), p.ClientNonce))
		return nil
	}
	sess.Enqueue(BuildMessageSent(msg.MessageID, msg.Seq))
	return nil
}

type ackHandler struct{}

func (ackHandler) Type() string { return TypeMessageAck }

func (ackHandler) Handle(ctx *Context, sess *Session, payload map[string]any) error {
	p, err := decode.Map[MessageAckPayload](payload)
	if err != nil || p.MessageID == "" {
		return errs.ErrBadFrame.WithDetail("message:ack requires messageId")
	}
	// Acks are never throttled: dropping one would only force a spurious
	// redelivery. Unknown messageIds are ignored: the receipt may already
	// have been acked, redelivered past its budget, or the session
	// re-established.
	ctx.S.pipeline.Ack(sess.ID, p.MessageID)
	return nil
}

type typingStartHandler struct{}

func (typingStartHandler) Type() string { return TypeTypingStart }

func (typingStartHandler) Handle(ctx *Context, sess *Session, payload map[string]any) error {
	p, err := decode.Map[RoomPayload](payload)
	if err != nil || p.RoomID == "" {
		return errs.ErrBadFrame.WithDetail("typing:start requires roomId")
	}
	if !ctx.S.registry.IsMember(sess.ID, p.RoomID) {
		sess.Enqueue(BuildError(errs.ErrNotInRoom.Code, p.RoomID))
		return nil
	}
	// Over-limit typing signals are shed silently; they are advisory.
	if !ctx.S.limiter.AllowTyping(sess.ID) {
		return nil
	}
	if err := ctx.S.typing.Start(context.Background(), sess.ID, sess.UserID, p.RoomID); err != nil {
		logger.Debugf("[chat] typing start publish err user=%s room=%s err=%v", sess.UserID, p.RoomID, err)
	}
	return nil
}

type typingStopHandler struct{}

func (typingStopHandler) Type() string { return TypeTypingStop }

func (typingStopHandler) Handle(ctx *Context, sess *Session, payload map[string]any) error {
	p, err := decode.Map[RoomPayload](payload)
	if err != nil || p.RoomID == "" {
		return errs.ErrBadFrame.WithDetail("typing:stop requires roomId")
	}
	if err := ctx.S.typing.Stop(context.Background(), sess.ID, sess.UserID, p.RoomID); err != nil {
		logger.Debugf("[chat] typing stop publish err user=%s room=%s err=%v", sess.UserID, p.RoomID, err)
	}
	return nil
}

type presenceHandler struct{}

func (presenceHandler) Type() string { return TypePresenceUpdate }

func (presenceHandler) Handle(ctx *Context, sess *Session, payload map[string]any) error {
	p, err := decode.Map[PresenceUpdatePayload](payload)
	if err != nil {
		return errs.ErrBadFrame.WithDetail("presence:update payload")
	}
	switch p.Status {
	case presence.StatusOnline, presence.StatusIdle, presence.StatusDnd, presence.StatusOffline:
	default:
		return errs.ErrBadFrame.WithDetail("presence:update unknown status: " + p.Status)
	}
	// Presence is advisory; over-limit updates are shed like typing and the
	// next accepted one converges the state.
	if !ctx.S.limiter.AllowTyping(sess.ID) {
		return nil
	}
	rooms := ctx.S.registry.Rooms(sess.ID)
	if err := ctx.S.presence.SetStatus(context.Background(), sess.UserID, p.Status, p.Activity, rooms, sess.ID); err != nil {
		logger.Warnf("[chat] presence update err user=%s err=%v", sess.UserID, err)
	}
	return nil
}

type syncHandler struct{}

func (syncHandler) Type() string { return TypeSyncRequest }

func (syncHandler) Handle(ctx *Context, sess *Session, payload map[string]any) error {
	p, err := decode.Map[SyncRequestPayload](payload)
	if err != nil || p.RoomID == "" {
		return errs.ErrBadFrame.WithDetail("sync:request requires roomId")
	}
	// Backfill hits the message store; it shares the message bucket so a
	// reconnect storm cannot turn sync:request into a free read amplifier.
	if !ctx.S.limiter.AllowMessage(sess.ID) {
		sess.Enqueue(BuildSyncError(p.RoomID, errs.ErrRateLimited.Code))
		return nil
	}
	if !ctx.S.registry.IsMember(sess.ID, p.RoomID) {
		sess.Enqueue(BuildSyncError(p.RoomID, errs.ErrNotInRoom.Code))
		return nil
	}
	ctx.S.backfill(sess, p.RoomID, p.AfterSeq)
	return nil
}
