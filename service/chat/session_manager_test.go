package chat

import (
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, conf ManagerConf, clock *testClock) *SessionManager {
	t.Helper()
	conf.Clock = clock.Now
	if conf.SweepEvery == 0 {
		conf.SweepEvery = time.Hour // sweeps driven manually
	}
	m := NewSessionManager(conf)
	t.Cleanup(m.Close)
	return m
}

func TestBindIndexesByUser(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, ManagerConf{}, clock)

	m.AddUnauth("c1", nil, 8)
	s, ok := m.Bind("c1", "alice")
	if !ok || !s.Authorized || s.UserID != "alice" {
		t.Fatalf("bind = %+v ok=%v", s, ok)
	}
	if got := m.UserSessions("alice"); len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("user sessions = %v", got)
	}
	if _, ok := m.Bind("missing", "alice"); ok {
		t.Fatalf("bind of unknown session must fail")
	}
}

func TestRemoveClearsIndexes(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, ManagerConf{}, clock)

	s := m.AddUnauth("c1", nil, 8)
	m.Bind("c1", "alice")
	m.Remove("c1")

	if _, ok := m.Get("c1"); ok {
		t.Fatalf("session survived remove")
	}
	if len(m.UserSessions("alice")) != 0 {
		t.Fatalf("user index leaked")
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("removed session must be closed")
	}
}

func TestUnauthSessionExpiresFast(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, ManagerConf{UnauthTTL: 10 * time.Second, AuthTTL: time.Hour}, clock)

	m.AddUnauth("lurker", nil, 8)
	m.AddUnauth("joiner", nil, 8)
	m.Bind("joiner", "alice")

	clock.Advance(30 * time.Second)
	if n := m.sweepOnce(); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if _, ok := m.Get("lurker"); ok {
		t.Fatalf("unauth session survived its TTL")
	}
	if _, ok := m.Get("joiner"); !ok {
		t.Fatalf("authenticated session expired too early")
	}
}

func TestHeartbeatExtendsTTL(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, ManagerConf{AuthTTL: time.Minute}, clock)

	m.AddUnauth("c1", nil, 8)
	m.Bind("c1", "alice")

	clock.Advance(45 * time.Second)
	m.Heartbeat("c1")
	clock.Advance(45 * time.Second)

	if n := m.sweepOnce(); n != 0 {
		t.Fatalf("heartbeated session swept")
	}

	clock.Advance(2 * time.Minute)
	if n := m.sweepOnce(); n != 1 {
		t.Fatalf("idle session not swept, n=%d", n)
	}
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, ManagerConf{MaxPerUser: 2, EvictOldest: true}, clock)

	m.AddUnauth("c1", nil, 8)
	m.Bind("c1", "alice")
	clock.Advance(time.Second)
	m.AddUnauth("c2", nil, 8)
	m.Bind("c2", "alice")
	clock.Advance(time.Second)
	m.AddUnauth("c3", nil, 8)
	if _, ok := m.Bind("c3", "alice"); !ok {
		t.Fatalf("third bind should evict, not fail")
	}

	if _, ok := m.Get("c1"); ok {
		t.Fatalf("oldest session should have been evicted")
	}
	if got := m.UserSessions("alice"); len(got) != 2 {
		t.Fatalf("user has %d sessions, want 2", len(got))
	}
}

func TestMaxPerUserRejectsWithoutEviction(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, ManagerConf{MaxPerUser: 1}, clock)

	m.AddUnauth("c1", nil, 8)
	m.Bind("c1", "alice")
	m.AddUnauth("c2", nil, 8)
	if _, ok := m.Bind("c2", "alice"); ok {
		t.Fatalf("bind over the cap must be rejected when eviction is off")
	}
	if _, ok := m.Get("c1"); !ok {
		t.Fatalf("existing session must survive the rejected bind")
	}
}
