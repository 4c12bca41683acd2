package chat

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomgw/logger"
)

const writeWait = 10 * time.Second

// Session is one authenticated connection. It is owned by its reader
// goroutine: inbound frames for the session are handled sequentially, so
// per-session state races cannot happen on the inbound path. The outbound
// path is a bounded queue drained by a single writer goroutine.
type Session struct {
	ID         string
	UserID     string
	Authorized bool

	Conn   *websocket.Conn // nil for in-process sessions (tests)
	Remote net.Addr

	AuthenticatedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Heartbeat       time.Time
	TTL             time.Duration
	ExpireAt        time.Time

	SendQ chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	lastSeen map[string]int64 // roomID -> highest seq delivered locally
}

func newSession(id string, conn *websocket.Conn, queueSize int, now time.Time, ttl time.Duration) *Session {
	s := &Session{
		ID:        id,
		Conn:      conn,
		CreatedAt: now,
		UpdatedAt: now,
		Heartbeat: now,
		TTL:       ttl,
		ExpireAt:  now.Add(ttl),
		SendQ:     make(chan []byte, queueSize),
		done:      make(chan struct{}),
		lastSeen:  make(map[string]int64),
	}
	if conn != nil {
		s.Remote = conn.RemoteAddr()
	}
	return s
}

// Enqueue offers a frame to the session's send queue without blocking. A full
// queue means a slow client; the frame is dropped and redelivery/backfill
// recover it — the room hot path is never allowed to stall on one socket.
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.SendQ <- data:
		return true
	default:
		logger.Debugf("[session] send queue full, drop frame session=%s user=%s", s.ID, s.UserID)
		return false
	}
}

// MarkSeen records the highest seq delivered to this session for a room;
// the map becomes the reconnect backfill cursor.
func (s *Session) MarkSeen(roomID string, seq int64) {
	s.mu.Lock()
	if seq > s.lastSeen[roomID] {
		s.lastSeen[roomID] = seq
	}
	s.mu.Unlock()
}

// SetCursor seeds a resume cursor (used when re-joining after reconnect).
func (s *Session) SetCursor(roomID string, seq int64) {
	s.MarkSeen(roomID, seq)
}

// Cursors copies the lastSeenSeq map for hand-off to the cursor store.
func (s *Session) Cursors() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.lastSeen))
	for k, v := range s.lastSeen {
		out[k] = v
	}
	return out
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed when the session is removed; the writer goroutine exits on
// it.
func (s *Session) Done() <-chan struct{} { return s.done }

// writeLoop is the single writer for the session's socket: business frames
// from SendQ plus periodic pings. Exits on write error, session close, or
// queue close; the reader notices the dead socket and runs the disconnect
// path.
func (s *Session) writeLoop(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.SendQ:
			if !ok {
				return
			}
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("[session] write err session=%s user=%s err=%v", s.ID, s.UserID, err)
				return
			}
		case <-ticker.C:
			if err := s.Conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				logger.Debugf("[session] ping err session=%s err=%v", s.ID, err)
				return
			}
		case <-s.done:
			return
		}
	}
}
