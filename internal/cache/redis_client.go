package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the Redis operations the upload pipeline actually
// needs: the cross-process session lock and a liveness probe for
// internal/health. It no longer carries the teacher's general-purpose
// key/value, hash, list, and pub/sub helpers, since nothing in this
// pipeline exercises them.
type RedisClient struct {
	client *redis.Client
	logger *log.Logger
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// NewRedisClient creates a new Redis client
func NewRedisClient(config RedisConfig, logger *log.Logger) (*RedisClient, error) {
	opts := &redis.Options{
		Addr:       config.URL,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: config.MaxRetries,
		PoolSize:   config.PoolSize,
	}

	// Parse URL if provided
	if config.URL != "" {
		parsedOpts, err := redis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts = parsedOpts

		// Override with specific config if provided
		if config.Password != "" {
			opts.Password = config.Password
		}
		if config.DB != 0 {
			opts.DB = config.DB
		}
		if config.MaxRetries > 0 {
			opts.MaxRetries = config.MaxRetries
		}
		if config.PoolSize > 0 {
			opts.PoolSize = config.PoolSize
		}
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Printf("Successfully connected to Redis at %s", opts.Addr)

	return &RedisClient{
		client: client,
		logger: logger,
	}, nil
}

// AcquireLock attempts to take a cross-process advisory lock under key
// using SETNX with a TTL, guarding a session against concurrent mutation
// from other instances the way the per-session in-process mutex guards
// it within one instance.
func (r *RedisClient) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock drops a lock taken by AcquireLock. Safe to call even if the
// lock already expired.
func (r *RedisClient) ReleaseLock(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Health checks Redis connection health
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
