package store

import (
	"context"
	"encoding/json"

	"e2e_groupchat/internal/protocol/envelope"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "relay:messages"

// RedisBackend keeps envelopes as JSON values of one redis hash, keyed by
// envelope id.
type RedisBackend struct {
	rdb *redis.Client
	key string
}

func NewRedisBackend(rdb *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{
		rdb: rdb,
		key: key,
	}
}

func (r *RedisBackend) Load(ctx context.Context) ([]*envelope.Envelope, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}

	res := make([]*envelope.Envelope, 0, len(vals))
	for _, v := range vals {
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(v), &env); err != nil {
			return nil, err
		}
		res = append(res, &env)
	}
	return res, nil
}

func (r *RedisBackend) Save(ctx context.Context, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, r.key, env.ID(), data).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, env *envelope.Envelope) error {
	return r.rdb.HDel(ctx, r.key, env.ID()).Err()
}

func (r *RedisBackend) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.key).Err()
}
