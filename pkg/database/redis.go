package database

import (
	"context"
	"fmt"
	"time"

	"agent-wallet-core/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis dials and pings Redis.
// addr: "localhost:6379"
func ConnectRedis(ctx context.Context, addr string, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	logger.Info("Redis connected")
	return rdb, nil
}
