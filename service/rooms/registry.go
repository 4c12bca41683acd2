package rooms

import (
	"sync"
	"time"
)

// Registry is the per-process membership cache: room id -> local sessions.
// It has no opinion on authorization; permission checks happen before Join is
// invoked. Rooms are evicted from memory when their last local member leaves
// (durable room records belong to the storage collaborator).
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]*room
	bySession map[string]map[string]struct{} // sessionID -> roomIDs
}

type room struct {
	mu        sync.RWMutex
	members   map[string]string // sessionID -> userID
	createdAt time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[string]*room),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Join adds the session to the room and returns the local member count and
// whether this join created the first local membership (the caller then
// subscribes the room's fan-out topic). Idempotent: re-joining succeeds with
// the current count.
func (r *Registry) Join(sessionID, userID, roomID string) (count int, first bool) {
	// r.mu stays held across the member insert: releasing it first would let
	// a concurrent Leave evict the room between lookup and insert, leaving
	// the joiner member of an orphaned room object.
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]string), createdAt: time.Now()}
		r.rooms[roomID] = rm
		first = true
	}
	set := r.bySession[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		r.bySession[sessionID] = set
	}
	set[roomID] = struct{}{}

	rm.mu.Lock()
	rm.members[sessionID] = userID
	count = len(rm.members)
	rm.mu.Unlock()
	return count, first
}

// Leave removes the session from the room. Leaving a room the session never
// joined is a no-op success. Returns whether the room is now empty locally
// (the caller then unsubscribes the topic).
func (r *Registry) Leave(sessionID, roomID string) (empty bool) {
	r.mu.Lock()
	rm := r.rooms[roomID]
	if set := r.bySession[sessionID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	if rm == nil {
		r.mu.Unlock()
		return false
	}
	rm.mu.Lock()
	delete(rm.members, sessionID)
	empty = len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	return empty
}

// LeaveAll removes the session everywhere and reports which rooms became
// locally empty. Used on disconnect.
func (r *Registry) LeaveAll(sessionID string) (left []string, emptied []string) {
	r.mu.RLock()
	set := r.bySession[sessionID]
	roomsOf := make([]string, 0, len(set))
	for id := range set {
		roomsOf = append(roomsOf, id)
	}
	r.mu.RUnlock()

	for _, id := range roomsOf {
		left = append(left, id)
		if r.Leave(sessionID, id) {
			emptied = append(emptied, id)
		}
	}
	return left, emptied
}

// IsMember reports whether the session currently holds local membership.
func (r *Registry) IsMember(sessionID, roomID string) bool {
	r.mu.RLock()
	set := r.bySession[sessionID]
	_, ok := set[roomID]
	r.mu.RUnlock()
	return ok
}

// Members returns the local member sessions of a room.
func (r *Registry) Members(roomID string) map[string]string {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make(map[string]string, len(rm.members))
	for sid, uid := range rm.members {
		out[sid] = uid
	}
	return out
}

// LocalCount is the number of local sessions in the room; feeds the bridge's
// member-count primitive.
func (r *Registry) LocalCount(roomID string) int {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm == nil {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// Rooms lists the session's joined rooms.
func (r *Registry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySession[sessionID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SessionsInRooms returns the distinct local sessions joined to any of the
// given rooms; used to target presence fan-out at watchers.
func (r *Registry) SessionsInRooms(roomIDs []string) []string {
	seen := make(map[string]struct{})
	for _, id := range roomIDs {
		for sid := range r.Members(id) {
			seen[sid] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sid := range seen {
		out = append(out, sid)
	}
	return out
}

// RoomCount is the number of rooms with local members (metrics).
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
