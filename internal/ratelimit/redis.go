package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/paysync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient returns nil when REDIS_ADDR is unset; every consumer
// degrades to its single-instance behaviour.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		log.Info("redis not configured, rate limiting and poller lock disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func newTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return NewTokenBucket(client)
}
