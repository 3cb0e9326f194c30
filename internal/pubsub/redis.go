// Package pubsub carries campaign progress snapshots and dispatcher triggers
// over redis pub/sub. Delivery is fire-and-forget: late subscribers only see
// future messages.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mailcast/internal/config"
)

// NewClient connects to redis and verifies the connection within timeout.
func NewClient(ctx context.Context, cfg config.Redis, timeout time.Duration) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis not reachable: %w", err)
	}
	return rdb, nil
}
