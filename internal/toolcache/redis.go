package toolcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a [Cache] backed by a shared Redis instance, for deployments where
// multiple replicas should share tool-result hits. Expiry is delegated to
// Redis via per-key TTLs.
type Redis struct {
	client *redis.Client
}

// Compile-time interface assertion.
var _ Cache = (*Redis)(nil)

// NewRedis creates a Redis-backed cache from addr ("host:port"). The
// connection is verified with a ping so misconfiguration fails at start-up
// rather than as a silent stream of cache misses.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("toolcache: redis ping %q: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

// Get implements [Cache]. A missing key is a plain miss; transport errors are
// returned so the caller can log them, but they also read as misses.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("toolcache: redis get: %w", err)
	}
	return val, true, nil
}

// Set implements [Cache].
func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("toolcache: redis set: %w", err)
	}
	return nil
}

// Ping probes the backing Redis instance. Used by the readiness endpoint.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client connections.
func (r *Redis) Close() error {
	return r.client.Close()
}
