package caselock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still carries our token.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig tunes the Redis lock.
type RedisConfig struct {
	// Prefix is prepended to every key.
	Prefix string
	// TTL bounds how long a lock survives a crashed holder. It must exceed
	// the slowest executor run.
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
}

// Redis is a lock shared by every process using the same Redis server.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "kessai:case-lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 25 * time.Millisecond
	}
	return &Redis{client: client, cfg: cfg}
}

// NewRedisFromAddr creates a client for addr and wraps it.
func NewRedisFromAddr(addr, password string, db int, cfg RedisConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedis(rdb, cfg)
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis lock ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Lock polls SET NX until it owns key or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.cfg.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.cfg.TTL).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to acquire case lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// The caller's context may already be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.client, []string{k}, token).Err(); err != nil {
			slog.Warn("failed to release case lock", "case", key, "err", err)
		}
	}, nil
}
