package presence

import (
	"context"
	"sync"
	"time"

	"roomgw/logger"
	"roomgw/service/bridge"
)

// Conf follows the usual norm() pattern; TTL should be a few multiples of the
// heartbeat interval so a crashed client expires within one sweep or key TTL.
type Conf struct {
	GatewayID  string
	TTL        time.Duration
	SweepEvery time.Duration
	Clock      func() time.Time
}

func (c *Conf) norm() {
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Tracker owns per-user presence. Writes go to the shared store and are
// announced on the bridge's presence topic; a local cache keeps the hot read
// path off the store and feeds the offline sweep.
type Tracker struct {
	conf   Conf
	store  Store
	bridge bridge.Bridge

	mu    sync.RWMutex
	local map[string]Record

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewTracker(conf Conf, store Store, b bridge.Bridge) *Tracker {
	conf.norm()
	t := &Tracker{
		conf:   conf,
		store:  store,
		bridge: b,
		local:  make(map[string]Record),
		stopCh: make(chan struct{}),
	}
	go t.sweeper()
	return t
}

func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// SetStatus applies a presence change for userID originating from
// fromSessionID and publishes it cluster-wide. Concurrent updates resolve
// last-write-wins on UpdatedAt. An offline write is accepted only when no
// OTHER active session remains anywhere for the user: a stale offline from
// an already-replaced session cannot regress a user who reconnected
// elsewhere, while the last remaining session can always take itself
// offline.
func (t *Tracker) SetStatus(ctx context.Context, userID, status string, activity *bridge.Activity, roomIDs []string, fromSessionID string) error {
	now := t.conf.Clock()

	if status == StatusOffline {
		n, err := t.store.SessionCount(ctx, userID, fromSessionID)
		if err != nil {
			logger.Warnf("[presence] session count user=%s err=%v", userID, err)
		} else if n > 0 {
			logger.Debugf("[presence] skip stale offline user=%s sessions=%d from=%s", userID, n, fromSessionID)
			return nil
		}
	}

	rec := Record{
		UserID:    userID,
		Status:    status,
		Activity:  activity,
		Rooms:     roomIDs,
		UpdatedAt: now,
	}

	t.mu.Lock()
	if existing, ok := t.local[userID]; ok && existing.UpdatedAt.After(now) {
		t.mu.Unlock()
		return nil
	}
	t.local[userID] = rec
	t.mu.Unlock()

	// Store and bridge calls happen outside the lock.
	if err := t.store.Put(ctx, rec, t.conf.TTL); err != nil {
		logger.Warnf("[presence] store put user=%s err=%v", userID, err)
	}
	return t.bridge.PublishPresence(ctx, bridge.PresenceEvent{
		UserID:    userID,
		Status:    status,
		Activity:  activity,
		Rooms:     roomIDs,
		UpdatedAt: now.UnixMilli(),
		Origin:    t.conf.GatewayID,
	})
}

// Get returns the user's presence, defaulting to offline when nothing is
// known or the record expired.
func (t *Tracker) Get(ctx context.Context, userID string) Record {
	t.mu.RLock()
	rec, ok := t.local[userID]
	t.mu.RUnlock()
	if ok && !t.conf.Clock().After(rec.UpdatedAt.Add(t.conf.TTL)) {
		return rec
	}

	stored, found, err := t.store.Get(ctx, userID)
	if err != nil {
		logger.Warnf("[presence] store get user=%s err=%v", userID, err)
	}
	if found {
		t.mu.Lock()
		t.local[userID] = stored
		t.mu.Unlock()
		return stored
	}
	return Record{UserID: userID, Status: StatusOffline, UpdatedAt: t.conf.Clock()}
}

// Observe caches a presence event received from the bridge so local Get calls
// see remote updates without a store round trip.
func (t *Tracker) Observe(ev bridge.PresenceEvent) {
	rec := Record{
		UserID:    ev.UserID,
		Status:    ev.Status,
		Activity:  ev.Activity,
		Rooms:     ev.Rooms,
		UpdatedAt: time.UnixMilli(ev.UpdatedAt),
	}
	t.mu.Lock()
	if existing, ok := t.local[ev.UserID]; !ok || !existing.UpdatedAt.After(rec.UpdatedAt) {
		t.local[ev.UserID] = rec
	}
	t.mu.Unlock()
}

// SessionUp registers an active session; called after the handshake and
// refreshed on every heartbeat.
func (t *Tracker) SessionUp(ctx context.Context, userID, sessionID string) error {
	return t.store.AddSession(ctx, userID, sessionID, t.conf.TTL)
}

func (t *Tracker) Heartbeat(ctx context.Context, userID, sessionID string) {
	if err := t.store.TouchSession(ctx, userID, sessionID, t.conf.TTL); err != nil {
		logger.Debugf("[presence] heartbeat user=%s err=%v", userID, err)
	}
}

// SessionDown removes the session and downgrades the user to offline when it
// was the last one anywhere.
func (t *Tracker) SessionDown(ctx context.Context, userID, sessionID string, roomIDs []string) {
	if err := t.store.RemoveSession(ctx, userID, sessionID); err != nil {
		logger.Warnf("[presence] remove session user=%s err=%v", userID, err)
	}
	if err := t.SetStatus(ctx, userID, StatusOffline, nil, roomIDs, sessionID); err != nil {
		logger.Warnf("[presence] offline publish user=%s err=%v", userID, err)
	}
}

// sweeper expires local records whose last update is older than the TTL and
// whose user has no live session left, covering ungraceful disconnects where
// no offline event ever arrived.
func (t *Tracker) sweeper() {
	ticker := time.NewTicker(t.conf.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepOnce(context.Background())
		}
	}
}

func (t *Tracker) sweepOnce(ctx context.Context) {
	now := t.conf.Clock()

	var stale []Record
	t.mu.RLock()
	for _, rec := range t.local {
		if rec.Status != StatusOffline && now.After(rec.UpdatedAt.Add(t.conf.TTL)) {
			stale = append(stale, rec)
		}
	}
	t.mu.RUnlock()

	for _, rec := range stale {
		n, err := t.store.SessionCount(ctx, rec.UserID, "")
		if err != nil || n > 0 {
			continue
		}
		if err := t.SetStatus(ctx, rec.UserID, StatusOffline, nil, rec.Rooms, ""); err != nil {
			logger.Warnf("[presence] sweep offline user=%s err=%v", rec.UserID, err)
		}
	}
}
