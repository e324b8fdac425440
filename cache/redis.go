package cache

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sksmith/checkout-reservations/core/reservation"
)

const DefaultTTL = 5 * time.Second

type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisCache keeps recently read availability in redis so the storefront can poll stock without
// hitting the database. Entries are dropped whenever a reservation or restock touches their key.
type RedisCache struct {
	client    client
	ttl       time.Duration
	keyPrefix string
}

func NewRedisCache(addr, password string, ttl time.Duration, keyPrefix string) *RedisCache {
	return newRedisCache(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		PoolSize: 10,
	}), ttl, keyPrefix)
}

func newRedisCache(c client, ttl time.Duration, keyPrefix string) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: c, ttl: ttl, keyPrefix: keyPrefix}
}

func (c *RedisCache) Get(ctx context.Context, key reservation.StockKey) (reservation.Availability, bool, error) {
	a := reservation.Availability{}

	val, err := c.client.Get(ctx, c.stockKey(key)).Bytes()
	if err == redis.Nil {
		return a, false, nil
	}
	if err != nil {
		return a, false, errors.WithMessage(err, "failed to get availability from cache")
	}

	if err := json.Unmarshal(val, &a); err != nil {
		return reservation.Availability{}, false, errors.WithMessage(err, "failed to unmarshal cached availability")
	}

	log.Debug().Str("stock", key.String()).Msg("availability cache hit")
	return a, true, nil
}

func (c *RedisCache) Set(ctx context.Context, a reservation.Availability) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal availability")
	}
	if err = c.client.Set(ctx, c.stockKey(a.StockKey), data, c.ttl).Err(); err != nil {
		return errors.WithMessage(err, "failed to set availability in cache")
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, keys ...reservation.StockKey) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		redisKeys = append(redisKeys, c.stockKey(k))
	}
	if err := c.client.Del(ctx, redisKeys...).Err(); err != nil {
		return errors.WithMessage(err, "failed to invalidate availability cache")
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Both parts are escaped so ':' only ever separates them.
func (c *RedisCache) stockKey(key reservation.StockKey) string {
	return c.keyPrefix + "availability:" + url.QueryEscape(key.ProductID) + ":" + url.QueryEscape(key.VariantID)
}
