package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fiscalbridge/backend/internal/domain"
)

type RedisJobStatusCache struct {
	client *redis.Client
}

func NewRedisJobStatusCache(addr string, password string, db int) *RedisJobStatusCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisJobStatusCache{client: client}
}

func (c *RedisJobStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisJobStatusCache) Close() error {
	return c.client.Close()
}

func statusKey(saleID string) string {
	return "fiscal-status:" + saleID
}

func (c *RedisJobStatusCache) Get(ctx context.Context, saleID string) (*domain.JobStatusResponse, bool, error) {
	val, err := c.client.Get(ctx, statusKey(saleID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.JobStatusResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisJobStatusCache) Set(ctx context.Context, saleID string, value *domain.JobStatusResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKey(saleID), payload, ttl).Err()
}

func (c *RedisJobStatusCache) Invalidate(ctx context.Context, saleID string) error {
	return c.client.Del(ctx, statusKey(saleID)).Err()
}
