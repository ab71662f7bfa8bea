package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces nonce keys.
const DefaultRedisPrefix = "paygate:nonce:"

// Redis is a Store shared by every gateway replica. Expiry is delegated to
// Redis key TTLs.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// DialRedis connects and pings before returning.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) Seen(ctx context.Context, nonce string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+nonce).Result()
	if err != nil {
		return false, fmt.Errorf("nonce lookup: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Consume(ctx context.Context, nonce, keyID string, ttl time.Duration) error {
	ok, err := r.rdb.SetNX(ctx, r.prefix+nonce, keyID, ttl).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("nonce insert: %w", err)
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}
