package event

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup shares emission keys across instances. SetNX with a TTL is the
// whole contract: first claimer wins, keys age out on their own.
type RedisDedup struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisDedup(rdb *redis.Client) *RedisDedup {
	return &RedisDedup{rdb: rdb, prefix: "surge:event:seen:"}
}

func (d *RedisDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.rdb.SetNX(ctx, d.prefix+key, 1, ttl).Result()
}
