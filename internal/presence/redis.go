package presence

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	availableSetKey    = "presence:available"
	heartbeatKeyPrefix = "presence:user:"
)

// LivenessStore is the shared backend for presence state. Entries are
// written with a TTL so a user whose client vanishes without signing
// off still converges to offline within one TTL.
type LivenessStore interface {
	MarkAvailable(ctx context.Context, userId int) error
	MarkUnavailable(ctx context.Context, userId int) error
	Heartbeat(ctx context.Context, userId int) error
	Snapshot(ctx context.Context) (Snapshot, error)
}

type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	return &RedisStore{client: rdb, ttl: ttl}
}

func heartbeatKey(userId int) string {
	return heartbeatKeyPrefix + strconv.Itoa(userId)
}

func (s *RedisStore) MarkAvailable(ctx context.Context, userId int) error {
	if err := s.client.SAdd(ctx, availableSetKey, userId).Err(); err != nil {
		return err
	}

	return s.client.Set(ctx, heartbeatKey(userId), 1, s.ttl).Err()
}

func (s *RedisStore) MarkUnavailable(ctx context.Context, userId int) error {
	if err := s.client.SRem(ctx, availableSetKey, userId).Err(); err != nil {
		return err
	}

	return s.client.Del(ctx, heartbeatKey(userId)).Err()
}

func (s *RedisStore) Heartbeat(ctx context.Context, userId int) error {
	return s.client.Expire(ctx, heartbeatKey(userId), s.ttl).Err()
}

// Snapshot returns the current available set, pruning members whose
// heartbeat key has expired.
func (s *RedisStore) Snapshot(ctx context.Context) (Snapshot, error) {
	members, err := s.client.SMembers(ctx, availableSetKey).Result()
	if err != nil {
		return Snapshot{}, err
	}

	var userIds []int
	for _, member := range members {
		userId, err := strconv.Atoi(member)
		if err != nil {
			continue
		}

		alive, err := s.client.Exists(ctx, heartbeatKey(userId)).Result()
		if err != nil {
			return Snapshot{}, err
		}

		if alive == 0 {
			// heartbeat expired, the user is gone
			s.client.SRem(ctx, availableSetKey, userId)
			continue
		}

		userIds = append(userIds, userId)
	}

	sort.Ints(userIds)
	return Snapshot{Count: len(userIds), UserIds: userIds}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
