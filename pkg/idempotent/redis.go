package idempotent

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis stores keys with SET NX EX so the dedup window is shared across processes.
type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
	window time.Duration
}

// NewRedis creates a repository storing keys under prefix with the given window.
// A zero window keeps keys until removed.
func NewRedis(rdb goredis.UniversalClient, prefix string, window time.Duration) *Redis {
	if prefix == "" {
		prefix = "daedalus:idempotent"
	}
	return &Redis{rdb: rdb, prefix: prefix + ":", window: window}
}

// NewRedisClient opens a go-redis client and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) Add(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), r.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Contains(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	return r.ClearPrefix(ctx, "")
}

// ClearPrefix deletes every stored key starting with prefix.
func (r *Redis) ClearPrefix(ctx context.Context, prefix string) error {
	iter := r.rdb.Scan(ctx, 0, r.prefix+prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}
