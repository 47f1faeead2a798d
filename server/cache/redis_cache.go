package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "palm-detector:"

// incrementScript keeps INCR and the first EXPIRE atomic.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisCache(host string, port int, password string, db, poolSize int, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s:%d: %w", host, port, err)
	}

	logger.Info("Connected to Redis",
		zap.String("host", host),
		zap.Int("port", port),
		zap.Int("db", db))

	return &RedisCache{
		client: client,
		logger: logger,
	}, nil
}

func (c *RedisCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.PTTL(ctx, keyPrefix+key).Result()
	if err != nil {
		return 0, err
	}
	// -2: no such key, -1: no expiry
	if ttl < 0 {
		return 0, ErrCacheMiss
	}
	return ttl, nil
}

func (c *RedisCache) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrementScript.Run(ctx, c.client, []string{keyPrefix + key}, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return count, nil
}

func (c *RedisCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{Backend: "redis"}

	if err := c.client.Ping(ctx).Err(); err != nil {
		stats.Info = err.Error()
		return stats, nil
	}

	size, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return nil, err
	}

	pool := c.client.PoolStats()
	stats.Connected = true
	stats.Info = fmt.Sprintf("keys=%d,pool_total=%d,pool_idle=%d,hits=%d,misses=%d",
		size, pool.TotalConns, pool.IdleConns, pool.Hits, pool.Misses)
	return stats, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
