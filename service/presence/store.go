package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"roomgw/service/bridge"
)

// Statuses. A user with zero active sessions anywhere reads as offline within
// one TTL window even if no explicit offline event arrived.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDnd     = "dnd"
	StatusOffline = "offline"
)

// Record is the process-wide presence state for one user. Last-writer-wins
// by UpdatedAt.
type Record struct {
	UserID    string           `json:"userId"`
	Status    string           `json:"status"`
	Activity  *bridge.Activity `json:"activity,omitempty"`
	Rooms     []string         `json:"rooms,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Store is the shared presence state behind the tracker. The Redis
// implementation gives every gateway process the same view; records expire
// to offline through the key TTL. SessionCount is the cluster-wide active
// session count used to guard against stale offline writes; a non-empty
// exceptID leaves that session out, so a session's own offline write is
// never vetoed by itself.
type Store interface {
	Put(ctx context.Context, rec Record, ttl time.Duration) error
	Get(ctx context.Context, userID string) (Record, bool, error)
	AddSession(ctx context.Context, userID, sessionID string, ttl time.Duration) error
	RemoveSession(ctx context.Context, userID, sessionID string) error
	TouchSession(ctx context.Context, userID, sessionID string, ttl time.Duration) error
	SessionCount(ctx context.Context, userID, exceptID string) (int, error)
}

func presenceKey(userID string) string { return "gw:presence:" + userID }
func sessionsKey(userID string) string { return "gw:usess:" + userID }

// RedisStore keys one JSON record per user plus a session-id set per user.
// Session entries carry their own expiry scores so crashed processes cannot
// pin a user online forever.
type RedisStore struct {
	rdb *goredis.Client
}

func NewRedisStore(rdb *goredis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, presenceKey(rec.UserID), data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, userID string) (Record, bool, error) {
	val, err := s.rdb.Get(ctx, presenceKey(userID)).Result()
	if err == goredis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Sessions live in a sorted set scored by expiry; counting prunes expired
// members first, so a crashed gateway's sessions age out on their own.
func (s *RedisStore) AddSession(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	exp := float64(time.Now().Add(ttl).Unix())
	return s.rdb.ZAdd(ctx, sessionsKey(userID), goredis.Z{Score: exp, Member: sessionID}).Err()
}

func (s *RedisStore) RemoveSession(ctx context.Context, userID, sessionID string) error {
	return s.rdb.ZRem(ctx, sessionsKey(userID), sessionID).Err()
}

func (s *RedisStore) TouchSession(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	return s.AddSession(ctx, userID, sessionID, ttl)
}

func (s *RedisStore) SessionCount(ctx context.Context, userID, exceptID string) (int, error) {
	now := time.Now().Unix()
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, sessionsKey(userID), "0", strconv.FormatInt(now, 10))
	card := pipe.ZCard(ctx, sessionsKey(userID))
	var except *goredis.FloatCmd
	if exceptID != "" {
		except = pipe.ZScore(ctx, sessionsKey(userID), exceptID)
	}
	// ZScore misses with redis.Nil when the excluded session is not in the
	// set; that is not an error for the count.
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return 0, err
	}
	n := int(card.Val())
	if except != nil && except.Err() == nil {
		n--
	}
	return n, nil
}

// MemoryStore backs single-node mode and the test suites.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]memRecord
	sessions map[string]map[string]time.Time // userID -> sessionID -> expireAt
	clock    func() time.Time
}

type memRecord struct {
	rec      Record
	expireAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]memRecord),
		sessions: make(map[string]map[string]time.Time),
		clock:    time.Now,
	}
}

// SetClock injects a fake clock for TTL tests.
func (s *MemoryStore) SetClock(clock func() time.Time) { s.clock = clock }

func (s *MemoryStore) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	s.records[rec.UserID] = memRecord{rec: rec, expireAt: s.clock().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[userID]
	if !ok || s.clock().After(e.expireAt) {
		delete(s.records, userID)
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

func (s *MemoryStore) AddSession(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.sessions[userID]
	if m == nil {
		m = make(map[string]time.Time)
		s.sessions[userID] = m
	}
	m[sessionID] = s.clock().Add(ttl)
	return nil
}

func (s *MemoryStore) RemoveSession(ctx context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.sessions[userID]; m != nil {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(s.sessions, userID)
		}
	}
	return nil
}

func (s *MemoryStore) TouchSession(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	return s.AddSession(ctx, userID, sessionID, ttl)
}

func (s *MemoryStore) SessionCount(ctx context.Context, userID, exceptID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	n := 0
	for sid, exp := range s.sessions[userID] {
		if now.After(exp) {
			delete(s.sessions[userID], sid)
			continue
		}
		if sid == exceptID {
			continue
		}
		n++
	}
	return n, nil
}
