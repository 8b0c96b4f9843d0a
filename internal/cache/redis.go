package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/phraiz/phraiz/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RedisParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// NewRedisClient returns nil when redis is disabled; consumers fall back to
// in-process implementations.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	if !p.Config.Redis.Enabled {
		p.Log.Info("redis disabled, using in-process usage cache")
		return nil, nil
	}

	addr := strings.TrimSpace(p.Config.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(p.Config.Redis.Password),
		DB:       p.Config.Redis.DB,
	})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// An unreachable cache is degraded mode, not a startup failure.
			if err := client.Ping(ctx).Err(); err != nil {
				p.Log.Warn("redis ping failed", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client, nil
}

var Module = fx.Module("cache",
	fx.Provide(NewRedisClient),
)
