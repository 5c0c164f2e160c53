package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "riplx:idem:"

// RedisStore keeps records as JSON values that expire with the record.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (r *RedisStore) Save(ctx context.Context, key string, record Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err()
}
