package bridge

import (
	"context"
	"sync"
)

// MemoryBridge is an in-process Bridge for single-node deployments and tests.
// Several gateway Servers can share one instance to exercise cross-node
// fan-out without a broker. Dispatch is synchronous, so per-room order
// follows publish order.
type MemoryBridge struct {
	mu       sync.RWMutex
	rooms    map[string][]*memorySub // roomID -> subs
	presence []*memorySub
	counts   []func(roomID string) int
	nextID   int
}

func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{rooms: make(map[string][]*memorySub)}
}

type memorySub struct {
	id     int
	owner  *MemoryBridge
	roomID string // empty => presence
	roomFn func(RoomEvent)
	presFn func(PresenceEvent)
}

func (s *memorySub) Unsubscribe() error {
	s.owner.drop(s)
	return nil
}

func (b *MemoryBridge) drop(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.roomFn != nil {
		subs := b.rooms[s.roomID]
		out := subs[:0]
		for _, x := range subs {
			if x.id != s.id {
				out = append(out, x)
			}
		}
		if len(out) == 0 {
			delete(b.rooms, s.roomID)
		} else {
			b.rooms[s.roomID] = out
		}
		return
	}
	out := b.presence[:0]
	for _, x := range b.presence {
		if x.id != s.id {
			out = append(out, x)
		}
	}
	b.presence = out
}

func (b *MemoryBridge) PublishRoom(ctx context.Context, ev RoomEvent) error {
	b.mu.RLock()
	subs := make([]*memorySub, len(b.rooms[ev.RoomID]))
	copy(subs, b.rooms[ev.RoomID])
	b.mu.RUnlock()
	for _, s := range subs {
		s.roomFn(ev)
	}
	return nil
}

func (b *MemoryBridge) SubscribeRoom(roomID string, h func(RoomEvent)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &memorySub{id: b.nextID, owner: b, roomID: roomID, roomFn: h}
	b.rooms[roomID] = append(b.rooms[roomID], s)
	return s, nil
}

func (b *MemoryBridge) PublishPresence(ctx context.Context, ev PresenceEvent) error {
	b.mu.RLock()
	subs := make([]*memorySub, len(b.presence))
	copy(subs, b.presence)
	b.mu.RUnlock()
	for _, s := range subs {
		s.presFn(ev)
	}
	return nil
}

func (b *MemoryBridge) SubscribePresence(h func(PresenceEvent)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &memorySub{id: b.nextID, owner: b, presFn: h}
	b.presence = append(b.presence, s)
	return s, nil
}

// ServeCounts may be called once per sharing Server; MemberCount sums every
// registered source, mirroring the cluster-wide estimate.
func (b *MemoryBridge) ServeCounts(fn func(roomID string) int) {
	b.mu.Lock()
	b.counts = append(b.counts, fn)
	b.mu.Unlock()
}

func (b *MemoryBridge) MemberCount(ctx context.Context, roomID string) (int, error) {
	b.mu.RLock()
	fns := make([]func(string) int, len(b.counts))
	copy(fns, b.counts)
	b.mu.RUnlock()
	total := 0
	for _, fn := range fns {
		total += fn(roomID)
	}
	return total, nil
}

func (b *MemoryBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms = make(map[string][]*memorySub)
	b.presence = nil
	b.counts = nil
	return nil
}
