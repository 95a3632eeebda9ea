package calls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ActiveStore records which users are mid-call. Reserve must mark both users
// atomically and fail when either is already marked.
type ActiveStore interface {
	Reserve(ctx context.Context, caller, callee uuid.UUID) (bool, error)
	Release(ctx context.Context, caller, callee uuid.UUID) error
}

// MemoryActiveStore is a process-local ActiveStore.
type MemoryActiveStore struct {
	mu    sync.Mutex
	peers map[uuid.UUID]uuid.UUID
}

// NewMemoryActiveStore creates an empty MemoryActiveStore
func NewMemoryActiveStore() *MemoryActiveStore {
	return &MemoryActiveStore{peers: make(map[uuid.UUID]uuid.UUID)}
}

func (s *MemoryActiveStore) Reserve(_ context.Context, caller, callee uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.peers[caller]; busy {
		return false, nil
	}
	if _, busy := s.peers[callee]; busy {
		return false, nil
	}
	s.peers[caller] = callee
	s.peers[callee] = caller
	return true, nil
}

func (s *MemoryActiveStore) Release(_ context.Context, caller, callee uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[caller] == callee {
		delete(s.peers, caller)
	}
	if s.peers[callee] == caller {
		delete(s.peers, callee)
	}
	return nil
}

const activeKeyPrefix = "call:active:"

// reserveScript sets both keys only if neither exists, with a safety TTL so a
// crashed instance cannot leave users busy forever.
var reserveScript = redis.NewScript(`
if redis.call('MSETNX', KEYS[1], ARGV[1], KEYS[2], ARGV[2]) == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
  return 1
end
return 0
`)

// releaseScript deletes each key only while it still points at the other party.
var releaseScript = redis.NewScript(`
local n = 0
if redis.call('GET', KEYS[1]) == ARGV[1] then
  n = n + redis.call('DEL', KEYS[1])
end
if redis.call('GET', KEYS[2]) == ARGV[2] then
  n = n + redis.call('DEL', KEYS[2])
end
return n
`)

// RedisActiveStore shares the active-call map between instances.
type RedisActiveStore struct {
	rdb    *redis.Client
	maxTTL time.Duration
}

// NewRedisActiveStore creates a RedisActiveStore. maxTTL bounds how long a
// reservation survives without being released.
func NewRedisActiveStore(rdb *redis.Client, maxTTL time.Duration) *RedisActiveStore {
	return &RedisActiveStore{rdb: rdb, maxTTL: maxTTL}
}

func activeKey(id uuid.UUID) string { return activeKeyPrefix + id.String() }

func (s *RedisActiveStore) Reserve(ctx context.Context, caller, callee uuid.UUID) (bool, error) {
	n, err := reserveScript.Run(ctx, s.rdb,
		[]string{activeKey(caller), activeKey(callee)},
		callee.String(), caller.String(), s.maxTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reserve call: %w", err)
	}
	return n == 1, nil
}

func (s *RedisActiveStore) Release(ctx context.Context, caller, callee uuid.UUID) error {
	err := releaseScript.Run(ctx, s.rdb,
		[]string{activeKey(caller), activeKey(callee)},
		callee.String(), caller.String(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to release call: %w", err)
	}
	return nil
}
