package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"roomgw/service/bridge"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, clock *fakeClock) (*Tracker, *MemoryStore, *bridge.MemoryBridge) {
	t.Helper()
	store := NewMemoryStore()
	store.SetClock(clock.Now)
	b := bridge.NewMemoryBridge()
	tr := NewTracker(Conf{
		GatewayID:  "gw-test",
		TTL:        time.Minute,
		SweepEvery: time.Hour, // sweeps are driven manually via sweepOnce
		Clock:      clock.Now,
	}, store, b)
	t.Cleanup(tr.Close)
	return tr, store, b
}

func TestSetStatusPublishes(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr, _, b := newTestTracker(t, clock)
	ctx := context.Background()

	var events []bridge.PresenceEvent
	if _, err := b.SubscribePresence(func(ev bridge.PresenceEvent) { events = append(events, ev) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := tr.SetStatus(ctx, "alice", StatusDnd, nil, []string{"general"}, "s1"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if len(events) != 1 || events[0].Status != StatusDnd || events[0].Rooms[0] != "general" {
		t.Fatalf("events = %+v", events)
	}
	if got := tr.Get(ctx, "alice"); got.Status != StatusDnd {
		t.Fatalf("get = %+v", got)
	}
}

func TestStaleOfflineIsSkipped(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr, _, _ := newTestTracker(t, clock)
	ctx := context.Background()

	// alice has one live session elsewhere
	if err := tr.SessionUp(ctx, "alice", "s2"); err != nil {
		t.Fatalf("session up: %v", err)
	}
	if err := tr.SetStatus(ctx, "alice", StatusOnline, nil, nil, "s2"); err != nil {
		t.Fatalf("online: %v", err)
	}

	// an offline from the old session must not regress her
	if err := tr.SetStatus(ctx, "alice", StatusOffline, nil, nil, "s1"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if got := tr.Get(ctx, "alice"); got.Status != StatusOnline {
		t.Fatalf("status = %s, want online", got.Status)
	}
}

func TestSessionDownGoesOffline(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr, _, _ := newTestTracker(t, clock)
	ctx := context.Background()

	if err := tr.SessionUp(ctx, "alice", "s1"); err != nil {
		t.Fatalf("session up: %v", err)
	}
	if err := tr.SetStatus(ctx, "alice", StatusOnline, nil, nil, "s1"); err != nil {
		t.Fatalf("online: %v", err)
	}

	tr.SessionDown(ctx, "alice", "s1", nil)
	if got := tr.Get(ctx, "alice"); got.Status != StatusOffline {
		t.Fatalf("status = %s, want offline after last session", got.Status)
	}
}

func TestGetDefaultsToOffline(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr, _, _ := newTestTracker(t, clock)

	got := tr.Get(context.Background(), "ghost")
	if got.Status != StatusOffline {
		t.Fatalf("unknown user status = %s, want offline", got.Status)
	}
}

func TestSweepExpiresSilentUsers(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr, _, b := newTestTracker(t, clock)
	ctx := context.Background()

	var events []bridge.PresenceEvent
	var mu sync.Mutex
	_, _ = b.SubscribePresence(func(ev bridge.PresenceEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	if err := tr.SessionUp(ctx, "alice", "s1"); err != nil {
		t.Fatalf("session up: %v", err)
	}
	if err := tr.SetStatus(ctx, "alice", StatusOnline, nil, nil, "s1"); err != nil {
		t.Fatalf("online: %v", err)
	}

	// inside the TTL nothing changes
	tr.sweepOnce(ctx)
	if got := tr.Get(ctx, "alice"); got.Status != StatusOnline {
		t.Fatalf("swept too early: %s", got.Status)
	}

	// past the TTL with the session gone stale, the sweep downgrades her
	clock.Advance(2 * time.Minute)
	tr.sweepOnce(ctx)
	if got := tr.Get(ctx, "alice"); got.Status != StatusOffline {
		t.Fatalf("status = %s, want offline after sweep", got.Status)
	}

	mu.Lock()
	last := events[len(events)-1]
	mu.Unlock()
	if last.Status != StatusOffline {
		t.Fatalf("sweep must announce offline, last event = %+v", last)
	}
}

func TestObserveRespectsNewerLocal(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr, _, _ := newTestTracker(t, clock)
	ctx := context.Background()

	if err := tr.SetStatus(ctx, "alice", StatusOnline, nil, nil, "s1"); err != nil {
		t.Fatalf("online: %v", err)
	}

	// a stale remote event must not win against the newer local record
	tr.Observe(bridge.PresenceEvent{
		UserID:    "alice",
		Status:    StatusIdle,
		UpdatedAt: clock.Now().Add(-time.Minute).UnixMilli(),
		Origin:    "gw-remote",
	})
	if got := tr.Get(ctx, "alice"); got.Status != StatusOnline {
		t.Fatalf("stale observe overwrote local: %s", got.Status)
	}

	// a newer one does
	tr.Observe(bridge.PresenceEvent{
		UserID:    "alice",
		Status:    StatusIdle,
		UpdatedAt: clock.Now().Add(time.Second).UnixMilli(),
		Origin:    "gw-remote",
	})
	if got := tr.Get(ctx, "alice"); got.Status != StatusIdle {
		t.Fatalf("newer observe ignored: %s", got.Status)
	}
}

func TestLastSessionCanGoOffline(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tr, _, _ := newTestTracker(t, clock)
	ctx := context.Background()

	if err := tr.SessionUp(ctx, "alice", "s1"); err != nil {
		t.Fatalf("session up: %v", err)
	}
	if err := tr.SetStatus(ctx, "alice", StatusOnline, nil, nil, "s1"); err != nil {
		t.Fatalf("online: %v", err)
	}

	// the only live session asks to go offline; its own registration must
	// not veto the write
	if err := tr.SetStatus(ctx, "alice", StatusOffline, nil, nil, "s1"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if got := tr.Get(ctx, "alice"); got.Status != StatusOffline {
		t.Fatalf("status = %s, want offline", got.Status)
	}
}
