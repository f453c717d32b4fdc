package cache

import (
	"context"
	"time"

	"agent-wallet-core/pkg/logger"

	"go.uber.org/zap"
)

// l1MaxTTL bounds how stale a process-local copy can be relative to redis.
const l1MaxTTL = time.Minute

// MultiLevelCache reads through a process-local L1 to a shared L2.
// L2 is authoritative; L1 entries live at most half the L2 TTL.
type MultiLevelCache struct {
	local  Cache
	remote Cache
}

func NewMultiLevelCache(local, remote Cache) *MultiLevelCache {
	return &MultiLevelCache{
		local:  local,
		remote: remote,
	}
}

func (m *MultiLevelCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := m.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := m.local.Set(ctx, key, value, localTTL(ttl)); err != nil {
		logger.Warn("L1 cache set failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (m *MultiLevelCache) Get(ctx context.Context, key string, target interface{}) error {
	if err := m.local.Get(ctx, key, target); err == nil {
		return nil
	}
	if err := m.remote.Get(ctx, key, target); err != nil {
		return err
	}
	// L2 hit: refill L1 briefly
	_ = m.local.Set(ctx, key, target, l1MaxTTL/2)
	return nil
}

func (m *MultiLevelCache) Delete(ctx context.Context, key string) error {
	_ = m.local.Delete(ctx, key)
	return m.remote.Delete(ctx, key)
}

// Add arbitrates on L2 so concurrent processes agree on the winner.
func (m *MultiLevelCache) Add(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	ok, err := m.remote.Add(ctx, key, value, ttl)
	if err != nil || !ok {
		return ok, err
	}
	_ = m.local.Set(ctx, key, value, localTTL(ttl))
	return true, nil
}

func localTTL(ttl time.Duration) time.Duration {
	half := ttl / 2
	if half <= 0 || half > l1MaxTTL {
		return l1MaxTTL
	}
	return half
}
