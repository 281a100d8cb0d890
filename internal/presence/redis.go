package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the sorted set holding heartbeat timestamps.
const DefaultRedisKey = "onechat:presence"

// RedisStore shares heartbeats between nodes through one sorted set scored by
// unix milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Touch(ctx context.Context, userID string, at time.Time) error {
	return r.client.ZAddArgs(ctx, r.key, redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Score: float64(at.UnixMilli()), Member: userID}},
	}).Err()
}

func (r *RedisStore) LastSeen(ctx context.Context, userIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.FloatCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.ZScore(ctx, r.key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for i, cmd := range cmds {
		score, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[userIDs[i]] = time.UnixMilli(int64(score)).UTC()
	}
	return out, nil
}

func (r *RedisStore) Recent(ctx context.Context, since time.Time, limit int) ([]Seen, error) {
	zs, err := r.client.ZRevRangeByScoreWithScores(ctx, r.key, &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Seen, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Seen{UserID: id, At: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return out, nil
}
