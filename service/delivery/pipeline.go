package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"roomgw/logger"
	"roomgw/service/bridge"
	"roomgw/service/storage"
	"roomgw/tools/errs"
)

// Membership answers whether a session holds local room membership.
type Membership interface {
	IsMember(sessionID, roomID string) bool
}

// Admitter is the rate-limit gate consulted before anything else.
type Admitter interface {
	AllowMessage(sessionID string) bool
}

// NoRedeliver disables redelivery entirely: an unacked message falls through
// to reconnect backfill with no local retry.
const NoRedeliver = -1

type Conf struct {
	GatewayID       string
	ModerationScore float64 // flag threshold, 0 => any flag rejects
	ModerateTimeout time.Duration
	PersistTimeout  time.Duration
	AckTimeout      time.Duration
	MaxRedeliver    int // redeliveries after the first attempt; 0 = default, NoRedeliver = none
}

func (c *Conf) norm() {
	if c.ModerateTimeout <= 0 {
		c.ModerateTimeout = 2 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 3 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	switch {
	case c.MaxRedeliver == 0:
		c.MaxRedeliver = 1
	case c.MaxRedeliver < 0:
		c.MaxRedeliver = 0
	}
}

// Pipeline validates, persists, and fans out messages, then tracks per-session
// acknowledgment. Delivery is at-least-once: clients de-duplicate by
// messageId, and the server never invents a new messageId for a redelivery.
type Pipeline struct {
	conf    Conf
	store   storage.MessageStore
	mod     storage.Moderator // nil disables the moderation step
	bridge  bridge.Bridge
	rooms   Membership
	limiter Admitter

	// localFallback delivers an event to local subscribers directly when the
	// bridge is down: cross-process fan-out pauses, local delivery survives.
	localFallback func(ev bridge.RoomEvent)
	bridgeDown    atomic.Bool

	receipts receiptTable

	delivered   atomic.Int64
	acked       atomic.Int64
	redelivered atomic.Int64
}

func NewPipeline(conf Conf, store storage.MessageStore, mod storage.Moderator, b bridge.Bridge, rooms Membership, limiter Admitter) *Pipeline {
	conf.norm()
	return &Pipeline{
		conf:    conf,
		store:   store,
		mod:     mod,
		bridge:  b,
		rooms:   rooms,
		limiter: limiter,
	}
}

// SetLocalFallback wires the degraded-mode local delivery path; set once at
// startup by the session server.
func (p *Pipeline) SetLocalFallback(fn func(ev bridge.RoomEvent)) {
	p.localFallback = fn
}

// Send runs the full pipeline. Every failure is a typed *errs.CodeError; raw
// collaborator errors never escape. No in-memory lock is held across any of
// the collaborator calls. A message is fanned out only after it is durable.
func (p *Pipeline) Send(ctx context.Context, sessionID, userID, roomID, content string) (storage.Message, error) {
	if !p.limiter.AllowMessage(sessionID) {
		return storage.Message{}, errs.ErrRateLimited
	}
	if !p.rooms.IsMember(sessionID, roomID) {
		return storage.Message{}, errs.ErrNotInRoom
	}

	if p.mod != nil {
		mctx, cancel := context.WithTimeout(ctx, p.conf.ModerateTimeout)
		verdict, err := p.mod.ModerateContent(mctx, content)
		cancel()
		if err != nil {
			// Classifier unavailable: accept rather than block the room.
			logger.Warnf("[delivery] moderation skipped room=%s err=%v", roomID, err)
		} else if verdict.Flagged && verdict.Score >= p.conf.ModerationScore {
			return storage.Message{}, errs.ErrContentRejected
		}
	}

	pctx, cancel := context.WithTimeout(ctx, p.conf.PersistTimeout)
	msg, err := p.store.PersistMessage(pctx, roomID, userID, content)
	cancel()
	if err != nil {
		return storage.Message{}, errs.ErrPersistFailed.WrapErr(err)
	}

	ev := bridge.RoomEvent{
		Kind:      bridge.KindMessage,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		MessageID: msg.MessageID,
		Content:   msg.Content,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt.UnixMilli(),
		Origin:    p.conf.GatewayID,
	}

	// Published exactly once per room; each process fans out to its own
	// local subscribers on receipt.
	if err := p.bridge.PublishRoom(ctx, ev); err != nil {
		p.bridgeDown.Store(true)
		logger.Errorf("[delivery] bridge publish failed room=%s msg=%s err=%v", roomID, msg.MessageID, err)
		if p.localFallback != nil {
			p.localFallback(ev)
		}
		// The message is durable and delivered locally; the send succeeds.
		return msg, nil
	}
	p.bridgeDown.Store(false)
	return msg, nil
}

// Ack records a client acknowledgment and cancels the pending redelivery.
func (p *Pipeline) Ack(sessionID, messageID string) bool {
	if p.receipts.ack(sessionID, messageID) {
		p.acked.Add(1)
		return true
	}
	return false
}

// CancelSession drops every pending receipt and redelivery timer for the
// session immediately; reconnect backfill takes over from the saved cursor.
func (p *Pipeline) CancelSession(sessionID string) {
	p.receipts.cancelSession(sessionID)
}

// BridgeDegraded reports whether the last publish hit a bridge failure;
// surfaced on the stats endpoint for monitoring.
func (p *Pipeline) BridgeDegraded() bool { return p.bridgeDown.Load() }

// Stats returns delivered/acked/redelivered counters.
func (p *Pipeline) Stats() (delivered, acked, redelivered int64) {
	return p.delivered.Load(), p.acked.Load(), p.redelivered.Load()
}
