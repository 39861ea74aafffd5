package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/market-chat/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, userID string) (*domain.UserProfile, error)
	Set(ctx context.Context, p domain.UserProfile, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
}

type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "chat:profile"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(userID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, userID)
}

func (c *RedisCache) Get(ctx context.Context, userID string) (*domain.UserProfile, error) {
	data, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var p domain.UserProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return &p, nil
}

func (c *RedisCache) Set(ctx context.Context, p domain.UserProfile, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	return c.client.Set(ctx, c.key(p.ID), data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, userID string) error {
	return c.client.Del(ctx, c.key(userID)).Err()
}

// NopCache never hits.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (*domain.UserProfile, error) { return nil, ErrCacheMiss }
func (NopCache) Set(context.Context, domain.UserProfile, time.Duration) error {
	return nil
}
func (NopCache) Delete(context.Context, string) error { return nil }
