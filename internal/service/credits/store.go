package credits

import (
	"context"
	"errors"
	"strings"
	"time"

	"agent-wallet-core/pkg/cache"
)

var ErrNoSession = errors.New("credits: no stored session")

// SessionStore lets processes that share a wallet reuse one session.
type SessionStore interface {
	Load(ctx context.Context, wallet string) (*Session, error)
	// Save keeps s for ttl, measured by the caller's clock.
	Save(ctx context.Context, wallet string, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, wallet string) error
}

// CacheStore keeps sessions in a cache.Cache (memory, redis or both),
// expiring them with the session itself.
type CacheStore struct {
	cache cache.Cache
	scope string
}

// NewCacheStore scopes keys by billing base URL so two routers never share
// a token.
func NewCacheStore(c cache.Cache, baseURL string) *CacheStore {
	return &CacheStore{cache: c, scope: strings.TrimRight(baseURL, "/")}
}

func (s *CacheStore) key(wallet string) string {
	return "credits:session:" + s.scope + ":" + strings.ToLower(wallet)
}

func (s *CacheStore) Load(ctx context.Context, wallet string) (*Session, error) {
	var out Session
	if err := s.cache.Get(ctx, s.key(wallet), &out); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	return &out, nil
}

func (s *CacheStore) Save(ctx context.Context, wallet string, sess *Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return s.cache.Set(ctx, s.key(wallet), sess, ttl)
}

func (s *CacheStore) Delete(ctx context.Context, wallet string) error {
	return s.cache.Delete(ctx, s.key(wallet))
}
