package lock

import (
	"context"
	"sync"
	"time"

	"agent-wallet-core/pkg/safe_random"

	"github.com/redis/go-redis/v9"
)

// DistributedLock is a best-effort mutual exclusion across processes.
type DistributedLock interface {
	// Acquire reports whether this holder now owns key for ttl. Acquiring a
	// key this holder already owns extends it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release gives up key if this holder still owns it.
	Release(ctx context.Context, key string) error
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLock uses SET NX PX with a per-holder token so one process can never
// release or extend another's lock.
type RedisLock struct {
	client *redis.Client
	token  string

	mu   sync.Mutex
	held map[string]bool
}

func NewRedisLock(client *redis.Client) (*RedisLock, error) {
	token, err := safe_random.GenerateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	return &RedisLock{client: client, token: token, held: make(map[string]bool)}, nil
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = "lock:" + key

	l.mu.Lock()
	owned := l.held[key]
	l.mu.Unlock()
	if owned {
		n, err := extendScript.Run(ctx, l.client, []string{key}, l.token, ttl.Milliseconds()).Int()
		if err != nil {
			return false, err
		}
		if n == 1 {
			return true, nil
		}
		l.forget(key)
	}

	ok, err := l.client.SetNX(ctx, key, l.token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.mu.Lock()
		l.held[key] = true
		l.mu.Unlock()
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	key = "lock:" + key
	l.forget(key)
	return releaseScript.Run(ctx, l.client, []string{key}, l.token).Err()
}

func (l *RedisLock) forget(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}
