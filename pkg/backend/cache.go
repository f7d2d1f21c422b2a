package backend

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediguard-intake/internal/domain"
)

// CacheClient stores prediction results in Redis, keyed by a digest of
// the feature map
type CacheClient struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// CachedPrediction represents a cached prediction with metadata
type CachedPrediction struct {
	Data      *domain.PredictionResult `json:"data"`
	CachedAt  time.Time                `json:"cached_at"`
	ExpiresAt time.Time                `json:"expires_at"`
}

// NewCacheClient connects to the Redis instance at config.RedisURL
func NewCacheClient(config domain.CacheConfig) (*CacheClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewCacheClientFromRedis(client, config.DefaultTTL), nil
}

// NewCacheClientFromRedis wraps an existing client
func NewCacheClientFromRedis(client *redis.Client, defaultTTL time.Duration) *CacheClient {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &CacheClient{redis: client, defaultTTL: defaultTTL}
}

// GetPrediction returns the cached prediction for features, if any
func (c *CacheClient) GetPrediction(ctx context.Context, features domain.FeatureValue) (*domain.PredictionResult, bool, error) {
	key, err := PredictionKey(features)
	if err != nil {
		return nil, false, err
	}

	val, err := c.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get prediction cache: %w", err)
	}

	var cached CachedPrediction
	if err := json.Unmarshal([]byte(val), &cached); err != nil || cached.Data == nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	return cached.Data, true, nil
}

// SetPrediction caches result for features. A zero ttl uses the default.
func (c *CacheClient) SetPrediction(ctx context.Context, features domain.FeatureValue, result *domain.PredictionResult, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	key, err := PredictionKey(features)
	if err != nil {
		return err
	}

	now := time.Now()
	data, err := json.Marshal(CachedPrediction{
		Data:      result,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal prediction cache data: %w", err)
	}

	return c.redis.Set(ctx, key, data, ttl).Err()
}

// InvalidatePrediction removes the cached prediction for features
func (c *CacheClient) InvalidatePrediction(ctx context.Context, features domain.FeatureValue) error {
	key, err := PredictionKey(features)
	if err != nil {
		return err
	}
	return c.redis.Del(ctx, key).Err()
}

// Ping checks if the Redis connection is alive
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CacheClient) Close() error {
	return c.redis.Close()
}

// PredictionKey derives the cache key for a feature map. Map keys are
// encoded in sorted order so equal maps share a key.
func PredictionKey(features domain.FeatureValue) (string, error) {
	data, err := json.Marshal(features)
	if err != nil {
		return "", fmt.Errorf("failed to encode features for cache key: %w", err)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("prediction:%x", hash[:16]), nil
}
