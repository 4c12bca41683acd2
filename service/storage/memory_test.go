package storage

import (
	"context"
	"testing"
)

func TestPersistAssignsContiguousSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		m, err := s.PersistMessage(ctx, "general", "alice", "hi")
		if err != nil {
			t.Fatalf("persist: %v", err)
		}
		if m.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", m.Seq, i)
		}
		if m.MessageID == "" {
			t.Fatalf("messageId must be assigned")
		}
	}

	// seq counters are per room
	m, err := s.PersistMessage(ctx, "other", "bob", "yo")
	if err != nil {
		t.Fatalf("persist other room: %v", err)
	}
	if m.Seq != 1 {
		t.Fatalf("other room seq = %d, want 1", m.Seq)
	}
}

func TestFetchMessagesAfter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.PersistMessage(ctx, "r", "u", "m"); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	msgs, err := s.FetchMessagesAfter(ctx, "r", 2, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Seq != 3 || msgs[2].Seq != 5 {
		t.Fatalf("range = [%d..%d], want [3..5]", msgs[0].Seq, msgs[2].Seq)
	}

	// limit truncates
	msgs, err = s.FetchMessagesAfter(ctx, "r", 0, 2)
	if err != nil {
		t.Fatalf("fetch limited: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Seq != 2 {
		t.Fatalf("limited fetch = %v", msgs)
	}

	// unknown room is empty, not an error
	msgs, err = s.FetchMessagesAfter(ctx, "missing", 0, 10)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("missing room: msgs=%v err=%v", msgs, err)
	}
}

func TestFetchUserRooms(t *testing.T) {
	s := NewMemoryStore()
	s.AddMember("alice", "b")
	s.AddMember("alice", "a")

	rooms, err := s.FetchUserRooms(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fetch rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0] != "a" || rooms[1] != "b" {
		t.Fatalf("rooms = %v", rooms)
	}
}

func TestSetFailing(t *testing.T) {
	s := NewMemoryStore()
	s.SetFailing(true)
	if _, err := s.PersistMessage(context.Background(), "r", "u", "m"); err == nil {
		t.Fatalf("failing store must error")
	}
	s.SetFailing(false)
	if _, err := s.PersistMessage(context.Background(), "r", "u", "m"); err != nil {
		t.Fatalf("recovered store errored: %v", err)
	}
}

func TestKeywordModerator(t *testing.T) {
	m := NewKeywordModerator([]string{"spam"})
	ctx := context.Background()

	v, err := m.ModerateContent(ctx, "buy SPAM now")
	if err != nil {
		t.Fatalf("moderate: %v", err)
	}
	if !v.Flagged || v.Score < 0.9 {
		t.Fatalf("verdict = %+v, want flagged", v)
	}
	v, _ = m.ModerateContent(ctx, "hello world")
	if v.Flagged {
		t.Fatalf("clean content flagged")
	}
}
