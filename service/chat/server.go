package chat

import (
	"context"
	"sync"
	"time"

	"roomgw/logger"
	"roomgw/service/auth"
	"roomgw/service/bridge"
	"roomgw/service/delivery"
	"roomgw/service/presence"
	"roomgw/service/ratelimit"
	"roomgw/service/rooms"
	"roomgw/service/storage"
	"roomgw/service/typing"
	"roomgw/tools/errs"
)

// ServerConf tunes the connection-facing layer. Zero values take defaults.
type ServerConf struct {
	GatewayID       string
	AuthTimeout     time.Duration // budget for the authenticate frame
	HeartbeatEvery  time.Duration // server ping interval
	SendQueueSize   int           // per-session outbound buffer
	SyncBatchLimit  int           // max messages per sync:batch
	BackfillTimeout time.Duration // store budget per backfill fetch
	CursorGrace     time.Duration // resume window after disconnect
	FanoutWorkers   int
}

func (c *ServerConf) norm() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 25 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.SyncBatchLimit <= 0 {
		c.SyncBatchLimit = 100
	}
	if c.BackfillTimeout <= 0 {
		c.BackfillTimeout = 5 * time.Second
	}
	if c.CursorGrace <= 0 {
		c.CursorGrace = 5 * time.Minute
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
}

// Server ties the gateway together: sessions, local room registry, the
// delivery pipeline, presence, typing, and the cross-process bridge. It owns
// the per-room bridge subscriptions (one per room per process, shared by all
// local members).
type Server struct {
	conf ServerConf

	sessions *SessionManager
	registry *rooms.Registry
	presence *presence.Tracker
	typing   *typing.Broadcaster
	pipeline *delivery.Pipeline
	bridge   bridge.Bridge
	limiter  *ratelimit.Limiter
	store    storage.MessageStore
	cursors  storage.CursorStore
	verifier auth.TokenVerifier

	disp *Dispatcher
	fan  *Fanout

	subMu    sync.Mutex
	roomSubs map[string]bridge.Subscription

	presSub bridge.Subscription
}

func NewServer(
	conf ServerConf,
	sessions *SessionManager,
	registry *rooms.Registry,
	tracker *presence.Tracker,
	typer *typing.Broadcaster,
	pipeline *delivery.Pipeline,
	b bridge.Bridge,
	limiter *ratelimit.Limiter,
	store storage.MessageStore,
	cursors storage.CursorStore,
	verifier auth.TokenVerifier,
) (*Server, error) {
	conf.norm()
	s := &Server{
		conf:     conf,
		sessions: sessions,
		registry: registry,
		presence: tracker,
		typing:   typer,
		pipeline: pipeline,
		bridge:   b,
		limiter:  limiter,
		store:    store,
		cursors:  cursors,
		verifier: verifier,
		disp:     NewDispatcher(),
		fan:      NewFanout(conf.FanoutWorkers, conf.SendQueueSize),
		roomSubs: make(map[string]bridge.Subscription),
	}

	for _, h := range []Handler{
		joinHandler{}, leaveHandler{}, sendHandler{}, ackHandler{},
		typingStartHandler{}, typingStopHandler{}, presenceHandler{}, syncHandler{},
	} {
		s.disp.Register(h)
	}

	b.ServeCounts(registry.LocalCount)
	pipeline.SetLocalFallback(s.onRoomEvent)

	sub, err := b.SubscribePresence(s.onPresenceEvent)
	if err != nil {
		return nil, errs.ErrBridgeUnavailable.WrapErr(err)
	}
	s.presSub = sub
	return s, nil
}

// JoinRoom adds the session to the room, subscribing this process to the
// room's bridge topic when the session is the first local member. Returns a
// best-effort cluster-wide member count.
func (s *Server) JoinRoom(sess *Session, roomID string) (int, error) {
	_, first := s.registry.Join(sess.ID, sess.UserID, roomID)
	if first {
		if err := s.subscribeRoom(roomID); err != nil {
			s.registry.Leave(sess.ID, roomID)
			return 0, errs.ErrBridgeUnavailable.WrapErr(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	count, err := s.bridge.MemberCount(ctx, roomID)
	if err != nil {
		logger.Debugf("[server] member count fallback room=%s err=%v", roomID, err)
		count = s.registry.LocalCount(roomID)
	}
	return count, nil
}

// LeaveRoom removes the session from the room, dropping the bridge
// subscription when no local member remains. Leaving a room not joined is a
// no-op.
func (s *Server) LeaveRoom(sess *Session, roomID string) {
	if s.registry.Leave(sess.ID, roomID) {
		s.unsubscribeRoom(roomID)
	}
}

func (s *Server) subscribeRoom(roomID string) error {
	sub, err := s.bridge.SubscribeRoom(roomID, s.onRoomEvent)
	if err != nil {
		return err
	}
	s.subMu.Lock()
	s.roomSubs[roomID] = sub
	s.subMu.Unlock()
	return nil
}

func (s *Server) unsubscribeRoom(roomID string) {
	s.subMu.Lock()
	sub := s.roomSubs[roomID]
	delete(s.roomSubs, roomID)
	s.subMu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			logger.Debugf("[server] unsubscribe room=%s err=%v", roomID, err)
		}
	}
}

// onRoomEvent delivers a bridge room event to local members. Messages are
// delivered on the subscription goroutine so per-room order holds; typing
// updates go through the fan-out pool and exclude the typing user.
func (s *Server) onRoomEvent(ev bridge.RoomEvent) {
	switch ev.Kind {
	case bridge.KindMessage:
		msg := storage.Message{
			MessageID: ev.MessageID,
			RoomID:    ev.RoomID,
			UserID:    ev.UserID,
			Content:   ev.Content,
			Seq:       ev.Seq,
			CreatedAt: time.UnixMilli(ev.CreatedAt),
		}
		payload := BuildMessageNew(ev)
		for sessionID := range s.registry.Members(ev.RoomID) {
			sess, ok := s.sessions.Get(sessionID)
			if !ok {
				continue
			}
			s.deliverMessage(sess, msg, payload)
		}
	case bridge.KindTyping:
		payload := BuildTypingUpdate(ev)
		var targets []*Session
		for sessionID, userID := range s.registry.Members(ev.RoomID) {
			if userID == ev.UserID {
				continue
			}
			if sess, ok := s.sessions.Get(sessionID); ok {
				targets = append(targets, sess)
			}
		}
		s.fan.Broadcast(targets, payload)
	default:
		logger.Warnf("[server] unknown room event kind=%s room=%s", ev.Kind, ev.RoomID)
	}
}

// deliverMessage enqueues one message for one session and arms its ack
// receipt. The cursor advances only when the frame actually made it onto the
// send queue; a dropped frame leaves the cursor behind so reconnect backfill
// still covers it. The redeliver closure re-pushes the same frame; a dead or
// persistently full session makes it report failure and the receipt is
// dropped.
func (s *Server) deliverMessage(sess *Session, msg storage.Message, payload []byte) {
	if sess.Enqueue(payload) {
		sess.MarkSeen(msg.RoomID, msg.Seq)
	}
	s.pipeline.Track(sess.ID, msg, func() bool {
		if _, ok := s.sessions.Get(sess.ID); !ok {
			return false
		}
		if !sess.Enqueue(payload) {
			return false
		}
		sess.MarkSeen(msg.RoomID, msg.Seq)
		return true
	})
}

// onPresenceEvent handles a presence change from this or another process:
// the tracker caches it, then local sessions sharing a room with the user
// are notified.
func (s *Server) onPresenceEvent(ev bridge.PresenceEvent) {
	s.presence.Observe(ev)

	payload := BuildPresenceChanged(ev)
	var targets []*Session
	for _, sessionID := range s.registry.SessionsInRooms(ev.Rooms) {
		sess, ok := s.sessions.Get(sessionID)
		if !ok || sess.UserID == ev.UserID {
			continue
		}
		targets = append(targets, sess)
	}
	s.fan.Broadcast(targets, payload)
}

// backfill sends one sync:batch for the room. hasMore tells the client to ask
// again with the last seq it received.
func (s *Server) backfill(sess *Session, roomID string, afterSeq int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.BackfillTimeout)
	defer cancel()
	msgs, err := s.store.FetchMessagesAfter(ctx, roomID, afterSeq, s.conf.SyncBatchLimit)
	if err != nil {
		logger.Warnf("[server] backfill fetch room=%s after=%d err=%v", roomID, afterSeq, err)
		sess.Enqueue(BuildSyncError(roomID, errs.ErrSyncFailed.Code))
		return
	}
	hasMore := len(msgs) == s.conf.SyncBatchLimit
	sess.Enqueue(BuildSyncBatch(roomID, msgs, hasMore))
	for _, m := range msgs {
		sess.MarkSeen(m.RoomID, m.Seq)
	}
}

// Disconnect runs the single teardown path for a session, whatever made it
// die: pending receipts cancel, typing stops broadcast, rooms empty out, and
// — for authenticated sessions — cursors persist for the resume window and
// the presence session winds down.
func (s *Server) Disconnect(sess *Session) {
	s.sessions.Remove(sess.ID)
	s.pipeline.CancelSession(sess.ID)
	s.limiter.Remove(sess.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if sess.Authorized {
		s.typing.StopAll(ctx, sess.ID, sess.UserID)
	}

	left, emptied := s.registry.LeaveAll(sess.ID)
	for _, roomID := range emptied {
		s.unsubscribeRoom(roomID)
	}

	if sess.Authorized {
		if err := s.cursors.SaveCursors(ctx, sess.UserID, sess.Cursors(), s.conf.CursorGrace); err != nil {
			logger.Warnf("[server] save cursors user=%s err=%v", sess.UserID, err)
		}
		s.presence.SessionDown(ctx, sess.UserID, sess.ID, left)
	}
	logger.Infof("[server] session down id=%s user=%s rooms=%d", sess.ID, sess.UserID, len(left))
}

// Stats is a point-in-time operational snapshot for the /stats endpoint.
type Stats struct {
	GatewayID      string `json:"gatewayId"`
	Sessions       int    `json:"sessions"`
	Rooms          int    `json:"rooms"`
	Delivered      int64  `json:"delivered"`
	Acked          int64  `json:"acked"`
	Redelivered    int64  `json:"redelivered"`
	BridgeDegraded bool   `json:"bridgeDegraded"`
}

func (s *Server) Stats() Stats {
	delivered, acked, redelivered := s.pipeline.Stats()
	return Stats{
		GatewayID:      s.conf.GatewayID,
		Sessions:       s.sessions.Count(),
		Rooms:          s.registry.RoomCount(),
		Delivered:      delivered,
		Acked:          acked,
		Redelivered:    redelivered,
		BridgeDegraded: s.pipeline.BridgeDegraded(),
	}
}

// Close tears down the connection-facing layer. Bridge and stores are closed
// by the caller that opened them.
func (s *Server) Close() {
	if s.presSub != nil {
		_ = s.presSub.Unsubscribe()
	}
	s.subMu.Lock()
	subs := s.roomSubs
	s.roomSubs = make(map[string]bridge.Subscription)
	s.subMu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	s.fan.Close()
	s.sessions.Close()
}
