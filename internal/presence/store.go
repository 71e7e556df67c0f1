package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds the cross-instance presence state: a per-user connection
// counter, the global online set, and a per-user heartbeat key with a TTL.
type Store interface {
	// Connect atomically increments the user's connection counter, inserts
	// the user into the online set when the counter becomes 1, and refreshes
	// the heartbeat TTL. Returns the counter after the increment.
	Connect(ctx context.Context, userID int, ttl time.Duration) (int64, error)
	// Disconnect atomically decrements the counter; at or below zero it
	// removes the counter, the online-set entry and the heartbeat key.
	// Returns the counter after the decrement.
	Disconnect(ctx context.Context, userID int) (int64, error)
	// Heartbeat refreshes the heartbeat TTL for users with local connections.
	Heartbeat(ctx context.Context, userIDs []int, ttl time.Duration) error
	// OnlineUserIDs reads the global online set.
	OnlineUserIDs(ctx context.Context) ([]int, error)
	// Reap forces offline every online user whose heartbeat key expired and
	// returns their ids. Concurrent reaps from several instances report each
	// removal at most once.
	Reap(ctx context.Context) ([]int, error)
}

const (
	counterKeyPrefix   = "chat:presence:conn:"
	heartbeatKeyPrefix = "chat:presence:hb:"
	onlineSetKey       = "chat:presence:online"
)

// Increment, online-set insert and TTL refresh must be one atomic unit:
// two instances doing a read-then-write could both observe count==1.
var connectScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('SADD', KEYS[2], ARGV[1])
end
redis.call('SET', KEYS[3], '1', 'EX', ARGV[2])
return count
`)

var disconnectScript = redis.NewScript(`
local count = redis.call('DECR', KEYS[1])
if count <= 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[1])
  redis.call('DEL', KEYS[3])
end
return count
`)

// Forces a user offline only if the heartbeat is still missing at execution
// time, so a concurrent reconnect is not clobbered. Returns the SREM result:
// when several instances race on the same stale user, only the one that
// actually removed the online-set entry reports it, so one transition yields
// one offline event.
var reapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then
  redis.call('DEL', KEYS[1])
  return redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`)

// RedisStore is the go-redis implementation of Store.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) keys(userID int) []string {
	uid := strconv.Itoa(userID)
	return []string{counterKeyPrefix + uid, onlineSetKey, heartbeatKeyPrefix + uid}
}

// Connect implements Store.
func (s *RedisStore) Connect(ctx context.Context, userID int, ttl time.Duration) (int64, error) {
	ttlSeconds := int64(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	return connectScript.Run(ctx, s.rdb, s.keys(userID), userID, ttlSeconds).Int64()
}

// Disconnect implements Store.
func (s *RedisStore) Disconnect(ctx context.Context, userID int) (int64, error) {
	return disconnectScript.Run(ctx, s.rdb, s.keys(userID), userID).Int64()
}

// Heartbeat implements Store.
func (s *RedisStore) Heartbeat(ctx context.Context, userIDs []int, ttl time.Duration) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, userID := range userIDs {
		pipe.Set(ctx, heartbeatKeyPrefix+strconv.Itoa(userID), "1", ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// OnlineUserIDs implements Store.
func (s *RedisStore) OnlineUserIDs(ctx context.Context) ([]int, error) {
	members, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(members))
	for _, member := range members {
		id, err := strconv.Atoi(member)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Reap implements Store.
func (s *RedisStore) Reap(ctx context.Context) ([]int, error) {
	online, err := s.OnlineUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	var stale []int
	for _, userID := range online {
		reaped, err := reapScript.Run(ctx, s.rdb, s.keys(userID), userID).Int64()
		if err != nil {
			return stale, err
		}
		if reaped == 1 {
			stale = append(stale, userID)
		}
	}
	return stale, nil
}
