// Package clients builds the shared third-party clients.
package clients

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flockgate/flockgate/config"
)

// NewRedisClient connects to the redis deployment described by cfg and
// verifies it is reachable.
func NewRedisClient(cfg config.RedisCacheConfig) (redis.UniversalClient, error) {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DBIndex,
		PoolSize: cfg.PoolSize,
	})

	if err := r.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return r, nil
}
