package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/signalix/realtime/internal/logging"
)

const (
	onlineKey      = "presence:online"
	lastSeenPrefix = "presence:lastseen:"
	instancePrefix = "presence:instances:"
)

// offlineScript drops this instance from the user's instance set and only
// takes the user offline when no other instance has a fresh heartbeat.
var offlineScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZCARD', KEYS[1]) > 0 then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('SET', KEYS[3], ARGV[4])
return 1
`)

// RedisMirror mirrors presence transitions into Redis so every instance can
// answer "is this user online". Online users live in a ZSET scored by their
// newest heartbeat; members older than the stale window are treated as gone.
// Each user also has a ZSET of the instances holding a connection for them,
// so one instance losing the user does not hide the others.
type RedisMirror struct {
	rdb      *redis.Client
	instance string
	stale    time.Duration
	log      *slog.Logger
}

// NewRedisMirror creates a new RedisMirror with a fresh instance id.
func NewRedisMirror(rdb *redis.Client, stale time.Duration, log *slog.Logger) *RedisMirror {
	instance := ulid.Make().String()
	return &RedisMirror{rdb: rdb, instance: instance, stale: stale, log: log.With(slog.String("instance", instance))}
}

func instanceKey(userID uuid.UUID) string { return instancePrefix + userID.String() }

func (m *RedisMirror) UserOnline(ctx context.Context, userID uuid.UUID, at time.Time) {
	m.touch(ctx, userID, at)
}

func (m *RedisMirror) Heartbeat(ctx context.Context, userID uuid.UUID, at time.Time) {
	m.touch(ctx, userID, at)
}

// UserOffline withdraws this instance's claim on userID. The user stays
// online while another instance still heartbeats for them.
func (m *RedisMirror) UserOffline(ctx context.Context, userID uuid.UUID, at time.Time) {
	cutoff := at.Add(-m.stale).Unix()
	gone, err := offlineScript.Run(ctx, m.rdb,
		[]string{instanceKey(userID), onlineKey, lastSeenPrefix + userID.String()},
		m.instance, cutoff, userID.String(), at.Unix(),
	).Int()
	if err != nil {
		m.log.ErrorContext(ctx, "presence - redis - mark offline failed", logging.User(userID), logging.Err(err))
		return
	}
	if gone == 0 {
		m.log.DebugContext(ctx, "presence - redis - user still online elsewhere", logging.User(userID))
	}
}

func (m *RedisMirror) touch(ctx context.Context, userID uuid.UUID, at time.Time) {
	score := float64(at.Unix())
	pipe := m.rdb.TxPipeline()
	pipe.ZAddGT(ctx, onlineKey, redis.Z{Score: score, Member: userID.String()})
	pipe.ZAdd(ctx, instanceKey(userID), redis.Z{Score: score, Member: m.instance})
	pipe.PExpire(ctx, instanceKey(userID), 2*m.stale)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.ErrorContext(ctx, "presence - redis - mark online failed", logging.User(userID), logging.Err(err))
	}
}

// Status reports whether userID has a fresh entry in the online set.
func (m *RedisMirror) Status(ctx context.Context, userID uuid.UUID) (bool, error) {
	score, err := m.rdb.ZScore(ctx, onlineKey, userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read presence: %w", err)
	}
	return time.Since(time.Unix(int64(score), 0)) <= m.stale, nil
}

// LastSeen returns the last offline transition recorded for userID.
func (m *RedisMirror) LastSeen(ctx context.Context, userID uuid.UUID) (time.Time, bool, error) {
	v, err := m.rdb.Get(ctx, lastSeenPrefix+userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last seen: %w", err)
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt last seen for %s: %w", userID, err)
	}
	return time.Unix(sec, 0), true, nil
}

// Prune drops members whose last heartbeat is older than the stale window,
// e.g. users left behind by a crashed instance.
func (m *RedisMirror) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-m.stale).Unix()
	n, err := m.rdb.ZRemRangeByScore(ctx, onlineKey, "-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to prune presence: %w", err)
	}
	return n, nil
}
