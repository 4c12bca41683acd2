package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"roomgw/logger"
	"roomgw/service/presence"
	"roomgw/tools/decode"
	"roomgw/tools/errs"
	"roomgw/tools/ids"
	"roomgw/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens in-band via the authenticate frame, not at upgrade time.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Routes mounts the gateway's HTTP surface on a gin engine.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "gatewayId": s.conf.GatewayID})
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Stats())
	})
}

// HandleWS upgrades the connection and runs its full lifecycle on the calling
// goroutine: handshake, resume, read loop, teardown.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade err remote=%s err=%v", c.ClientIP(), err)
		return
	}

	sess := s.sessions.AddUnauth(ids.GenerateString(), ws, s.conf.SendQueueSize)
	ws.SetPongHandler(func(string) error {
		s.sessions.Heartbeat(sess.ID)
		if sess.Authorized {
			s.presence.Heartbeat(context.Background(), sess.UserID, sess.ID)
		}
		return nil
	})

	// The writer goroutine starts only after the handshake, so a failed one
	// can write its error and close frames synchronously with no second
	// writer on the socket. The AuthTimeout read deadline covers dead
	// clients until then.
	frame, ok := s.handshake(sess, ws)
	if !ok {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if frame != nil {
			_ = ws.WriteMessage(websocket.TextMessage, frame)
		}
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
		_ = ws.Close()
		s.sessions.Remove(sess.ID)
		return
	}
	safe.Go(func() { sess.writeLoop(s.conf.HeartbeatEvery) })

	s.resume(sess)
	s.readLoop(sess, ws)
	s.Disconnect(sess)
}

// handshake demands an authenticate frame within AuthTimeout and binds the
// session on success. Anything else fails closed: the returned frame is the
// auth_error to write before closing, nil when the read itself already died.
func (s *Server) handshake(sess *Session, ws *websocket.Conn) ([]byte, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.AuthTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		logger.Debugf("[ws] handshake read err session=%s err=%v", sess.ID, err)
		return nil, false
	}
	typ, payload, err := ParseFrame(raw)
	if err != nil || typ != TypeAuthenticate {
		return BuildAuthError(errs.ErrAuthFailed.Code), false
	}
	p, err := decode.Map[AuthenticatePayload](payload)
	if err != nil || p.Token == "" {
		return BuildAuthError(errs.ErrAuthFailed.Code), false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.conf.AuthTimeout)
	defer cancel()
	userID, err := s.verifier.VerifyToken(ctx, p.Token)
	if err != nil {
		logger.Infof("[ws] auth rejected session=%s err=%v", sess.ID, err)
		return BuildAuthError(errs.ErrAuthFailed.Code), false
	}
	if _, ok := s.sessions.Bind(sess.ID, userID); !ok {
		return BuildAuthError(errs.ErrAuthFailed.Code), false
	}
	_ = ws.SetReadDeadline(time.Time{})

	if err := s.presence.SessionUp(ctx, userID, sess.ID); err != nil {
		logger.Warnf("[ws] presence session up user=%s err=%v", userID, err)
	}

	roomIDs, err := s.store.FetchUserRooms(ctx, userID)
	if err != nil {
		logger.Warnf("[ws] fetch user rooms user=%s err=%v", userID, err)
		roomIDs = nil
	}
	sess.Enqueue(BuildReady(sess.ID, roomIDs))
	logger.Infof("[ws] session ready id=%s user=%s rooms=%d", sess.ID, userID, len(roomIDs))

	if err := s.presence.SetStatus(ctx, userID, presence.StatusOnline, nil, roomIDs, sess.ID); err != nil {
		logger.Warnf("[ws] presence online user=%s err=%v", userID, err)
	}
	return nil, true
}

// resume restores room membership and replays missed messages when the user
// reconnects inside the cursor grace window. Cursors are cleared once
// consumed so a second reconnect starts clean.
func (s *Server) resume(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.BackfillTimeout)
	defer cancel()

	cursors, err := s.cursors.LoadCursors(ctx, sess.UserID)
	if err != nil {
		logger.Warnf("[ws] load cursors user=%s err=%v", sess.UserID, err)
		return
	}
	if len(cursors) == 0 {
		return
	}
	for roomID, seq := range cursors {
		_, first := s.registry.Join(sess.ID, sess.UserID, roomID)
		if first {
			if err := s.subscribeRoom(roomID); err != nil {
				logger.Warnf("[ws] resume subscribe room=%s err=%v", roomID, err)
				s.registry.Leave(sess.ID, roomID)
				sess.Enqueue(BuildSyncError(roomID, errs.ErrBridgeUnavailable.Code))
				continue
			}
		}
		sess.SetCursor(roomID, seq)
		sess.Enqueue(BuildRoomJoined(roomID, s.registry.LocalCount(roomID)))
		s.backfill(sess, roomID, seq)
	}
	if err := s.cursors.ClearCursors(ctx, sess.UserID); err != nil {
		logger.Debugf("[ws] clear cursors user=%s err=%v", sess.UserID, err)
	}
	logger.Infof("[ws] resumed session=%s user=%s rooms=%d", sess.ID, sess.UserID, len(cursors))
}

// readLoop pumps inbound frames into the dispatcher until the socket dies or
// a handler reports a protocol violation.
func (s *Server) readLoop(sess *Session, ws *websocket.Conn) {
	ctx := &Context{S: s}
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			logger.Debugf("[ws] read loop end session=%s err=%v", sess.ID, err)
			return
		}
		typ, payload, err := ParseFrame(raw)
		if err != nil {
			sess.Enqueue(BuildError(errs.ErrBadFrame.Code, ""))
			continue
		}
		if typ == TypeAuthenticate {
			// Already authenticated; re-auth is a no-op.
			continue
		}
		if err := s.disp.Dispatch(ctx, sess, typ, payload); err != nil {
			logger.Infof("[ws] dropping session=%s user=%s frame=%s err=%v", sess.ID, sess.UserID, typ, err)
			sess.Enqueue(BuildError(errs.CodeOf(err), ""))
			return
		}
	}
}
