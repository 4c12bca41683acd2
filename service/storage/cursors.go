package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CursorStore retains a disconnected user's lastSeenSeq map for a bounded
// grace window so a quick reconnect can backfill instead of rescanning
// history. Entries expire on their own past the window.
type CursorStore interface {
	SaveCursors(ctx context.Context, userID string, cursors map[string]int64, grace time.Duration) error
	LoadCursors(ctx context.Context, userID string) (map[string]int64, error)
	ClearCursors(ctx context.Context, userID string) error
}

func cursorKey(userID string) string { return "gw:cursor:" + userID }

// RedisCursorStore keeps one hash per user (room -> seq) with a TTL equal to
// the grace window, shared by all gateway processes.
type RedisCursorStore struct {
	rdb *redis.Client
}

func NewRedisCursorStore(rdb *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{rdb: rdb}
}

func (s *RedisCursorStore) SaveCursors(ctx context.Context, userID string, cursors map[string]int64, grace time.Duration) error {
	if len(cursors) == 0 {
		return nil
	}
	fields := make(map[string]any, len(cursors))
	for room, seq := range cursors {
		fields[room] = seq
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, cursorKey(userID), fields)
	pipe.Expire(ctx, cursorKey(userID), grace)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisCursorStore) LoadCursors(ctx context.Context, userID string) (map[string]int64, error) {
	vals, err := s.rdb.HGetAll(ctx, cursorKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	out := make(map[string]int64, len(vals))
	for room, v := range vals {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[room] = seq
	}
	return out, nil
}

func (s *RedisCursorStore) ClearCursors(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, cursorKey(userID)).Err()
}

// MemoryCursorStore is the single-node/test implementation.
type MemoryCursorStore struct {
	mu      sync.Mutex
	entries map[string]memCursorEntry
	clock   func() time.Time
}

type memCursorEntry struct {
	cursors  map[string]int64
	expireAt time.Time
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{entries: make(map[string]memCursorEntry), clock: time.Now}
}

// SetClock injects a fake clock for expiry tests.
func (s *MemoryCursorStore) SetClock(clock func() time.Time) { s.clock = clock }

func (s *MemoryCursorStore) SaveCursors(ctx context.Context, userID string, cursors map[string]int64, grace time.Duration) error {
	if len(cursors) == 0 {
		return nil
	}
	cp := make(map[string]int64, len(cursors))
	for k, v := range cursors {
		cp[k] = v
	}
	s.mu.Lock()
	s.entries[userID] = memCursorEntry{cursors: cp, expireAt: s.clock().Add(grace)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryCursorStore) LoadCursors(ctx context.Context, userID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok || s.clock().After(e.expireAt) {
		delete(s.entries, userID)
		return nil, nil
	}
	out := make(map[string]int64, len(e.cursors))
	for k, v := range e.cursors {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryCursorStore) ClearCursors(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
	return nil
}
