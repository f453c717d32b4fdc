package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache is the key/value contract shared by the in-process and redis
// implementations. Values round-trip through JSON so both behave alike.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get unmarshals the cached value into target or returns ErrCacheMiss.
	Get(ctx context.Context, key string, target interface{}) error
	Delete(ctx context.Context, key string) error
	// Add stores value only if key is absent. It reports whether it stored.
	Add(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}
