package storage

import (
	"context"
	"testing"
	"time"
)

func TestCursorsRoundTrip(t *testing.T) {
	s := NewMemoryCursorStore()
	ctx := context.Background()

	in := map[string]int64{"general": 42, "random": 7}
	if err := s.SaveCursors(ctx, "alice", in, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.LoadCursors(ctx, "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 2 || out["general"] != 42 || out["random"] != 7 {
		t.Fatalf("cursors = %v", out)
	}

	if err := s.ClearCursors(ctx, "alice"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out, _ = s.LoadCursors(ctx, "alice")
	if len(out) != 0 {
		t.Fatalf("cursors survived clear: %v", out)
	}
}

func TestCursorsExpireAfterGrace(t *testing.T) {
	s := NewMemoryCursorStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := s.SaveCursors(ctx, "alice", map[string]int64{"r": 1}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}

	now = now.Add(30 * time.Second)
	if out, _ := s.LoadCursors(ctx, "alice"); len(out) != 1 {
		t.Fatalf("cursors should survive inside the grace window")
	}

	now = now.Add(time.Hour)
	if out, _ := s.LoadCursors(ctx, "alice"); len(out) != 0 {
		t.Fatalf("cursors should expire past the grace window: %v", out)
	}
}

func TestSaveEmptyCursorsIsNoop(t *testing.T) {
	s := NewMemoryCursorStore()
	ctx := context.Background()
	if err := s.SaveCursors(ctx, "alice", nil, time.Minute); err != nil {
		t.Fatalf("save nil: %v", err)
	}
	if out, _ := s.LoadCursors(ctx, "alice"); len(out) != 0 {
		t.Fatalf("nothing should be stored for empty cursors")
	}
}
