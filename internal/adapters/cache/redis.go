package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/jobrunner/orbis/internal/domain"
)

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures the shared archive index.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	LockTTL  time.Duration
}

// RedisIndex shares the hash to archive mapping between processes on a
// common download directory and guards downloads with a lock per hash.
type RedisIndex struct {
	rdb     *redis.Client
	prefix  string
	lockTTL time.Duration
}

// NewRedisIndex connects to Redis and verifies the connection.
func NewRedisIndex(ctx context.Context, cfg RedisConfig) (*RedisIndex, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &RedisIndex{rdb: rdb, prefix: cfg.Prefix, lockTTL: cfg.LockTTL}, nil
}

func (x *RedisIndex) archiveKey(hash string) string {
	return x.prefix + "archive:" + hash
}

func (x *RedisIndex) lockKey(hash string) string {
	return x.prefix + "lock:" + hash
}

// Lookup returns the recorded archive for hash. Entries whose file is gone
// are dropped.
func (x *RedisIndex) Lookup(ctx context.Context, hash string) (string, bool, error) {
	p, err := x.rdb.Get(ctx, x.archiveKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis GET %q: %w", hash, err)
	}
	if _, err := os.Stat(p); err != nil {
		_ = x.rdb.Del(ctx, x.archiveKey(hash)).Err()
		return "", false, nil
	}
	return p, true, nil
}

// Record stores the archive path for hash.
func (x *RedisIndex) Record(ctx context.Context, hash, path string) error {
	if err := x.rdb.Set(ctx, x.archiveKey(hash), path, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %q: %w", hash, err)
	}
	return nil
}

// Lock takes the download lock for hash. It fails with ErrLockHeld when
// another process holds it.
func (x *RedisIndex) Lock(ctx context.Context, hash string) (func(), error) {
	token := uuid.NewString()
	ok, err := x.rdb.SetNX(ctx, x.lockKey(hash), token, x.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SETNX %q: %w", hash, err)
	}
	if !ok {
		return nil, fmt.Errorf("archive %s: %w", hash, domain.ErrLockHeld)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, x.rdb, []string{x.lockKey(hash)}, token).Err()
	}, nil
}

// Close closes the connection.
func (x *RedisIndex) Close() error {
	if err := x.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
