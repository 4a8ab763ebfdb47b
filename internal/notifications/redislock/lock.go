// Package redislock provides a Redis-backed flush lock so that a single
// scheduler instance flushes the notification queue at a time.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/board-notify/internal/notifications"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis key guarding the flush job.
const DefaultKey = "board-notify:flush-lock"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Locker implements notifications.FlushLocker with SET NX PX.
type Locker struct {
	rdb *redis.Client
	key string
}

// Connect creates a Redis client and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connection established", "addr", cfg.Addr, "db", cfg.DB)
	return rdb, nil
}

// New creates a Locker on an existing client.
func New(rdb *redis.Client, key string) *Locker {
	if key == "" {
		key = DefaultKey
	}
	return &Locker{rdb: rdb, key: key}
}

// TryLock acquires the lock for ttl. It returns notifications.ErrFlushInProgress
// when another holder owns it.
func (l *Locker) TryLock(ctx context.Context, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, notifications.ErrFlushInProgress
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("redis release: %w", err)
		}
		return nil
	}
	return release, nil
}
