package bridge

import (
	"context"
	"testing"
)

func TestRoomPublishReachesSubscribers(t *testing.T) {
	b := NewMemoryBridge()
	ctx := context.Background()

	var got []RoomEvent
	sub, err := b.SubscribeRoom("general", func(ev RoomEvent) { got = append(got, ev) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.PublishRoom(ctx, RoomEvent{Kind: KindMessage, RoomID: "general", Seq: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// other rooms are not delivered
	_ = b.PublishRoom(ctx, RoomEvent{Kind: KindMessage, RoomID: "other", Seq: 9})

	if len(got) != 1 || got[0].Seq != 1 {
		t.Fatalf("got = %v", got)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = b.PublishRoom(ctx, RoomEvent{Kind: KindMessage, RoomID: "general", Seq: 2})
	if len(got) != 1 {
		t.Fatalf("event delivered after unsubscribe")
	}
}

func TestPresencePublish(t *testing.T) {
	b := NewMemoryBridge()

	var got []PresenceEvent
	if _, err := b.SubscribePresence(func(ev PresenceEvent) { got = append(got, ev) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.PublishPresence(context.Background(), PresenceEvent{UserID: "alice", Status: "online"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "alice" {
		t.Fatalf("got = %v", got)
	}
}

func TestMemberCountSumsAllSources(t *testing.T) {
	b := NewMemoryBridge()
	b.ServeCounts(func(roomID string) int { return 2 })
	b.ServeCounts(func(roomID string) int { return 3 })

	n, err := b.MemberCount(context.Background(), "general")
	if err != nil {
		t.Fatalf("member count: %v", err)
	}
	if n != 5 {
		t.Fatalf("count = %d, want 5", n)
	}
}

func TestRoomEventCodec(t *testing.T) {
	in := "room with spaces.and:dots"
	enc := encodeRoom(in)
	out, err := decodeRoom(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %q, want %q", out, in)
	}
}
