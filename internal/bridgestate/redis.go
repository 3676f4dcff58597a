package bridgestate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/toolrelay/internal/redisx"
)

const redisPrefix = "toolrelay:bridge:"

// RedisStore implements Store with one key per bridge.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to the given Redis URL and returns a Store.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	c, err := redisx.NewClient(addr)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &RedisStore{client: c}, nil
}

// NewRedisStoreClient wraps an existing client.
func NewRedisStoreClient(c redis.UniversalClient) *RedisStore {
	return &RedisStore{client: c}
}

func (r *RedisStore) Save(ctx context.Context, s State, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisPrefix+s.BridgeID, b, ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context, id string) (State, error) {
	b, err := r.client.Get(ctx, redisPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, ErrNotFound
		}
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (r *RedisStore) List(ctx context.Context) ([]State, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, redisPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	out := make([]State, 0, len(keys))
	for _, k := range keys {
		st, err := r.Load(ctx, k[len(redisPrefix):])
		if errors.Is(err, ErrNotFound) {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sortStates(out)
	return out, nil
}

// Close releases the redis client.
func (r *RedisStore) Close() error { return r.client.Close() }
