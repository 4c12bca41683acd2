package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomgw/logger"
	"roomgw/tools/safe"
)

// ManagerConf tunes session lifecycle. Zero values take defaults via norm().
type ManagerConf struct {
	UnauthTTL  time.Duration // idle budget before the auth handshake completes
	AuthTTL    time.Duration // idle budget after authentication
	SweepEvery time.Duration
	MaxPerUser int  // concurrent sessions per user; 0 = unlimited
	EvictOldest bool // on overflow evict the oldest session instead of rejecting
	Clock      func() time.Time
}

func (c ManagerConf) norm() ManagerConf {
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 10 * time.Second
	}
	if c.AuthTTL <= 0 {
		c.AuthTTL = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// SessionManager indexes live sessions by id and by user and expires idle
// ones. All mutations happen under one mutex; socket closes happen outside
// it.
type SessionManager struct {
	conf ManagerConf

	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

func NewSessionManager(conf ManagerConf) *SessionManager {
	m := &SessionManager{
		conf:   conf.norm(),
		byID:   make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
		stop:   make(chan struct{}),
	}
	safe.Go(m.sweeper)
	return m
}

// AddUnauth registers a freshly upgraded connection with the short
// pre-handshake TTL.
func (m *SessionManager) AddUnauth(id string, conn *websocket.Conn, queueSize int) *Session {
	now := m.conf.Clock()
	s := newSession(id, conn, queueSize, now, m.conf.UnauthTTL)
	m.mu.Lock()
	m.byID[id] = s
	m.mu.Unlock()
	return s
}

// Bind marks a session authenticated, switches it to the long TTL and indexes
// it by user. When the user is over MaxPerUser the oldest session is evicted
// (EvictOldest) or the new one is rejected.
func (m *SessionManager) Bind(id, userID string) (*Session, bool) {
	now := m.conf.Clock()

	var evict *Session
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	set := m.byUser[userID]
	if m.conf.MaxPerUser > 0 && len(set) >= m.conf.MaxPerUser {
		if !m.conf.EvictOldest {
			m.mu.Unlock()
			return nil, false
		}
		for _, old := range set {
			if evict == nil || old.AuthenticatedAt.Before(evict.AuthenticatedAt) {
				evict = old
			}
		}
		if evict != nil {
			m.removeLocked(evict)
		}
	}
	s.UserID = userID
	s.Authorized = true
	s.AuthenticatedAt = now
	s.TTL = m.conf.AuthTTL
	s.Heartbeat = now
	s.ExpireAt = now.Add(m.conf.AuthTTL)
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Session)
	}
	m.byUser[userID][id] = s
	m.mu.Unlock()

	if evict != nil {
		logger.Infof("[sessions] evict oldest user=%s session=%s", userID, evict.ID)
		closeSession(evict)
	}
	return s, true
}

// Heartbeat pushes the idle deadline forward.
func (m *SessionManager) Heartbeat(id string) {
	now := m.conf.Clock()
	m.mu.Lock()
	if s, ok := m.byID[id]; ok {
		s.Heartbeat = now
		s.UpdatedAt = now
		s.ExpireAt = now.Add(s.TTL)
	}
	m.mu.Unlock()
}

func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.byID[id]
	m.mu.RUnlock()
	return s, ok
}

// UserSessions returns the live sessions of a user.
func (m *SessionManager) UserSessions(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Remove drops the session from both indexes and closes it.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if ok {
		m.removeLocked(s)
	}
	m.mu.Unlock()
	if ok {
		closeSession(s)
	}
}

func (m *SessionManager) removeLocked(s *Session) {
	delete(m.byID, s.ID)
	if s.UserID != "" {
		if set := m.byUser[s.UserID]; set != nil {
			delete(set, s.ID)
			if len(set) == 0 {
				delete(m.byUser, s.UserID)
			}
		}
	}
}

func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *SessionManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweepOnce()
		case <-m.stop:
			return
		}
	}
}

// sweepOnce collects expired sessions under the lock and closes them outside
// it. Closing the socket makes the reader goroutine exit and run the normal
// disconnect path, so the sweeper itself never touches room state.
func (m *SessionManager) sweepOnce() int {
	now := m.conf.Clock()
	var expired []*Session
	m.mu.Lock()
	for _, s := range m.byID {
		if now.After(s.ExpireAt) {
			expired = append(expired, s)
			m.removeLocked(s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		logger.Infof("[sessions] expire idle session=%s user=%s", s.ID, s.UserID)
		closeSession(s)
	}
	return len(expired)
}

func closeSession(s *Session) {
	s.close()
	if s.Conn != nil {
		_ = s.Conn.Close()
	}
}
