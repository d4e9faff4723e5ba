package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/encoding/json"
)

// RedisStore keeps persisted state in Redis instead of a local file,
// for deployments where several kiosk clients share one identity.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisStore(addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, ctx: ctx}, nil
}

var _ Store = (*RedisStore)(nil)

func (r *RedisStore) Get(key string, v interface{}) (bool, error) {
	raw, err := r.client.Get(r.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return decodeLenient(key, raw, v), nil
}

func (r *RedisStore) Set(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value for key %q: %w", key, err)
	}
	return r.client.Set(r.ctx, key, raw, 0).Err()
}

func (r *RedisStore) Delete(key string) error {
	return r.client.Del(r.ctx, key).Err()
}

func (r *RedisStore) Clear(prefix string) error {
	iter := r.client.Scan(r.ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		if err := r.client.Del(r.ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
