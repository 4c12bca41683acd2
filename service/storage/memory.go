package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errStoreDown = errors.New("store unavailable")

// MemoryStore keeps rooms and messages in process memory. It backs dev mode
// (no PG_DSN) and the test suites; seq allocation is serialized per room.
type MemoryStore struct {
	mu      sync.RWMutex
	rooms   map[string]*memRoom
	byUser  map[string]map[string]struct{} // userID -> roomIDs
	failing bool                           // test hook: force PersistMessage errors
}

type memRoom struct {
	mu       sync.Mutex
	lastSeq  int64
	messages []Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:  make(map[string]*memRoom),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) room(roomID string) *memRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		r = &memRoom{}
		s.rooms[roomID] = r
	}
	return r
}

func (s *MemoryStore) PersistMessage(ctx context.Context, roomID, userID, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	failing := s.failing
	s.mu.RUnlock()
	if failing {
		return Message{}, errStoreDown
	}

	r := s.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeq++
	m := Message{
		MessageID: uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		Content:   content,
		Seq:       r.lastSeq,
		CreatedAt: time.Now(),
	}
	r.messages = append(r.messages, m)
	return m, nil
}

func (s *MemoryStore) FetchMessagesAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	r := s.rooms[roomID]
	s.mu.RUnlock()
	if r == nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// messages are appended in seq order; find the first seq > afterSeq
	i := sort.Search(len(r.messages), func(i int) bool { return r.messages[i].Seq > afterSeq })
	end := i + limit
	if end > len(r.messages) {
		end = len(r.messages)
	}
	out := make([]Message, end-i)
	copy(out, r.messages[i:end])
	return out, nil
}

func (s *MemoryStore) FetchUserRooms(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byUser[userID]
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

// AddMember records persisted room membership (normally written by the CRUD
// layer, which is outside the gateway).
func (s *MemoryStore) AddMember(userID, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		s.byUser[userID] = set
	}
	set[roomID] = struct{}{}
}

// SetFailing toggles forced persistence failures (tests).
func (s *MemoryStore) SetFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}
