package rooms

import (
	"sort"
	"sync"
	"testing"
)

func TestJoinFirstAndIdempotent(t *testing.T) {
	r := NewRegistry()

	count, first := r.Join("s1", "alice", "general")
	if count != 1 || !first {
		t.Fatalf("first join: count=%d first=%v", count, first)
	}
	count, first = r.Join("s2", "bob", "general")
	if count != 2 || first {
		t.Fatalf("second join: count=%d first=%v", count, first)
	}
	// re-join is a no-op success
	count, first = r.Join("s1", "alice", "general")
	if count != 2 || first {
		t.Fatalf("re-join: count=%d first=%v", count, first)
	}
	if !r.IsMember("s1", "general") {
		t.Fatalf("s1 should be a member")
	}
}

func TestLeaveEvictsEmptyRoom(t *testing.T) {
	r := NewRegistry()
	r.Join("s1", "alice", "general")
	r.Join("s2", "bob", "general")

	if empty := r.Leave("s1", "general"); empty {
		t.Fatalf("room should not be empty yet")
	}
	if empty := r.Leave("s2", "general"); !empty {
		t.Fatalf("room should report empty after last leave")
	}
	if r.RoomCount() != 0 {
		t.Fatalf("empty room must be evicted, got %d rooms", r.RoomCount())
	}
	// leaving a room never joined is a no-op
	if empty := r.Leave("s9", "nowhere"); empty {
		t.Fatalf("no-op leave reported empty")
	}
}

func TestLeaveAll(t *testing.T) {
	r := NewRegistry()
	r.Join("s1", "alice", "a")
	r.Join("s1", "alice", "b")
	r.Join("s2", "bob", "b")

	left, emptied := r.LeaveAll("s1")
	sort.Strings(left)
	if len(left) != 2 || left[0] != "a" || left[1] != "b" {
		t.Fatalf("left = %v", left)
	}
	if len(emptied) != 1 || emptied[0] != "a" {
		t.Fatalf("emptied = %v", emptied)
	}
	if r.IsMember("s1", "b") {
		t.Fatalf("s1 should be gone from b")
	}
	if r.LocalCount("b") != 1 {
		t.Fatalf("b should keep s2, count=%d", r.LocalCount("b"))
	}
}

func TestSessionsInRoomsDeduplicates(t *testing.T) {
	r := NewRegistry()
	r.Join("s1", "alice", "a")
	r.Join("s1", "alice", "b")
	r.Join("s2", "bob", "b")

	got := r.SessionsInRooms([]string{"a", "b"})
	sort.Strings(got)
	if len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("SessionsInRooms = %v", got)
	}
}

func TestMembersSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Join("s1", "alice", "a")

	m := r.Members("a")
	if m["s1"] != "alice" {
		t.Fatalf("Members = %v", m)
	}
	// mutating the snapshot must not touch the registry
	delete(m, "s1")
	if !r.IsMember("s1", "a") {
		t.Fatalf("registry mutated through snapshot")
	}
	if r.Members("missing") != nil {
		t.Fatalf("unknown room should return nil")
	}
}

// A join must be visible to Members until that session's own leave, even
// while another session churns the same room and keeps emptying it.
func TestConcurrentJoinLeaveKeepsMembershipVisible(t *testing.T) {
	r := NewRegistry()
	const iters = 500

	churn := func(sessionID, userID string) {
		for i := 0; i < iters; i++ {
			r.Join(sessionID, userID, "lobby")
			if _, ok := r.Members("lobby")[sessionID]; !ok {
				t.Errorf("%s joined but is missing from the member view", sessionID)
				return
			}
			r.Leave(sessionID, "lobby")
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); churn("s1", "alice") }()
	go func() { defer wg.Done(); churn("s2", "bob") }()
	wg.Wait()

	r.Join("s1", "alice", "lobby")
	if got := r.LocalCount("lobby"); got != 1 {
		t.Fatalf("local count = %d, want 1", got)
	}
}
