package typing

import (
	"context"
	"sync"
	"time"

	"roomgw/logger"
	"roomgw/service/bridge"
)

// Broadcaster publishes ephemeral typing state on room topics. Nothing is
// persisted. Every start renews the auto-stop timer; one timeout of silence
// publishes a stop even if the client disconnected mid-type.
type Broadcaster struct {
	gatewayID string
	bridge    bridge.Bridge
	stopAfter time.Duration

	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

type typingKey struct {
	sessionID string
	roomID    string
}

func NewBroadcaster(gatewayID string, b bridge.Bridge, stopAfter time.Duration) *Broadcaster {
	if stopAfter <= 0 {
		stopAfter = 5 * time.Second
	}
	return &Broadcaster{
		gatewayID: gatewayID,
		bridge:    b,
		stopAfter: stopAfter,
		timers:    make(map[typingKey]*time.Timer),
	}
}

// Start publishes typing-started and schedules the auto-stop. A repeated
// Start renews the timer instead of stacking a second one.
func (b *Broadcaster) Start(ctx context.Context, sessionID, userID, roomID string) error {
	key := typingKey{sessionID: sessionID, roomID: roomID}

	b.mu.Lock()
	if t, ok := b.timers[key]; ok {
		t.Reset(b.stopAfter)
		b.mu.Unlock()
		return nil // already typing; renewal only
	}
	b.timers[key] = time.AfterFunc(b.stopAfter, func() {
		b.expire(key, userID)
	})
	b.mu.Unlock()

	return b.publish(ctx, roomID, userID, bridge.TypingStarted)
}

// Stop cancels the auto-stop and publishes typing-stopped. Stopping when not
// typing is a no-op.
func (b *Broadcaster) Stop(ctx context.Context, sessionID, userID, roomID string) error {
	key := typingKey{sessionID: sessionID, roomID: roomID}

	b.mu.Lock()
	t, ok := b.timers[key]
	if ok {
		t.Stop()
		delete(b.timers, key)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	return b.publish(ctx, roomID, userID, bridge.TypingStopped)
}

// StopAll ends every active typing state for a session; called on disconnect.
func (b *Broadcaster) StopAll(ctx context.Context, sessionID, userID string) {
	b.mu.Lock()
	var roomIDs []string
	for key, t := range b.timers {
		if key.sessionID == sessionID {
			t.Stop()
			delete(b.timers, key)
			roomIDs = append(roomIDs, key.roomID)
		}
	}
	b.mu.Unlock()

	for _, roomID := range roomIDs {
		if err := b.publish(ctx, roomID, userID, bridge.TypingStopped); err != nil {
			logger.Debugf("[typing] stop-all publish room=%s err=%v", roomID, err)
		}
	}
}

func (b *Broadcaster) expire(key typingKey, userID string) {
	b.mu.Lock()
	if _, ok := b.timers[key]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.timers, key)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.publish(ctx, key.roomID, userID, bridge.TypingStopped); err != nil {
		logger.Debugf("[typing] expire publish room=%s err=%v", key.roomID, err)
	}
}

func (b *Broadcaster) publish(ctx context.Context, roomID, userID, state string) error {
	return b.bridge.PublishRoom(ctx, bridge.RoomEvent{
		Kind:   bridge.KindTyping,
		RoomID: roomID,
		UserID: userID,
		State:  state,
		Origin: b.gatewayID,
	})
}
