package lock

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/storefront/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("order.lock",
	fx.Provide(NewOrderLocker),
)

func NewOrderLocker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) OrderLocker {
	if cfg.LockBackend != config.LockBackendRedis || cfg.Redis.Addr == "" {
		log.Info("order lock backend", zap.String("backend", config.LockBackendDB))
		return Noop{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	log.Info("order lock backend", zap.String("backend", config.LockBackendRedis), zap.String("addr", cfg.Redis.Addr))
	return NewRedisLocker(client, 0, 0)
}
