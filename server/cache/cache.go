package cache

import (
	"context"
	"errors"
	"time"
)

// Cache is the counter store behind rate limiting. Implementations must be
// safe for concurrent use.
type Cache interface {
	GetTTL(ctx context.Context, key string) (time.Duration, error)

	// IncrementWithTTL increments key and sets its expiry when the key is
	// created. Existing expiries are left alone so windows stay fixed.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Info      string `json:"info"`
}

var ErrCacheMiss = errors.New("cache miss")
