package peers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/signalix/realtime/internal/model"
)

// ErrNotFound is returned when a user has no peer address.
var ErrNotFound = errors.New("peer address not found")

// Store persists peer addresses. Staleness is judged by the Directory, not the store.
type Store interface {
	Put(ctx context.Context, addr model.PeerAddress) error
	Get(ctx context.Context, userID uuid.UUID) (model.PeerAddress, error)
	Delete(ctx context.Context, userID uuid.UUID) (bool, error)
	// Touch refreshes LastUpdated. It reports false when no entry exists.
	Touch(ctx context.Context, userID uuid.UUID, at time.Time) (bool, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]model.PeerAddress
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]model.PeerAddress)}
}

func (s *MemoryStore) Put(_ context.Context, addr model.PeerAddress) error {
	s.mu.Lock()
	s.entries[addr.UserID] = addr
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID uuid.UUID) (model.PeerAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.entries[userID]
	if !ok {
		return model.PeerAddress{}, ErrNotFound
	}
	return addr, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[userID]
	delete(s.entries, userID)
	return ok, nil
}

func (s *MemoryStore) Touch(_ context.Context, userID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.entries[userID]
	if !ok {
		return false, nil
	}
	addr.LastUpdated = at
	s.entries[userID] = addr
	return true, nil
}

// RedisStore keeps one hash per user: peer:<id> {peer_id, last_updated}.
// Keys expire after retention so abandoned entries do not accumulate.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisStore creates a RedisStore
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, retention: retention}
}

func peerKey(id uuid.UUID) string { return "peer:" + id.String() }

func (s *RedisStore) Put(ctx context.Context, addr model.PeerAddress) error {
	key := peerKey(addr.UserID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "peer_id", addr.PeerID, "last_updated", addr.LastUpdated.UnixMilli())
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store peer address: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID uuid.UUID) (model.PeerAddress, error) {
	vals, err := s.rdb.HGetAll(ctx, peerKey(userID)).Result()
	if err != nil {
		return model.PeerAddress{}, fmt.Errorf("failed to read peer address: %w", err)
	}
	peerID, ok := vals["peer_id"]
	if !ok {
		return model.PeerAddress{}, ErrNotFound
	}
	ms, err := strconv.ParseInt(vals["last_updated"], 10, 64)
	if err != nil {
		return model.PeerAddress{}, fmt.Errorf("corrupt peer address entry: %w", err)
	}
	return model.PeerAddress{UserID: userID, PeerID: peerID, LastUpdated: time.UnixMilli(ms)}, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := s.rdb.Del(ctx, peerKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete peer address: %w", err)
	}
	return n > 0, nil
}

// touchScript only refreshes an existing entry.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_updated', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

func (s *RedisStore) Touch(ctx context.Context, userID uuid.UUID, at time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, s.rdb, []string{peerKey(userID)}, at.UnixMilli(), s.retention.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh peer address: %w", err)
	}
	return n == 1, nil
}
