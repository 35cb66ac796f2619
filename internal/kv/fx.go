package kv

import (
	"context"

	"github.com/0xHoneyJar/freeside/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func Provide(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Store {
	if cfg.RedisAddr == "" {
		log.Named("kv").Warn("no redis address configured, using in-process store; distributed locking is disabled")
		return NewMemoryStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewRedisStore(client)
}

var Module = fx.Module("kv",
	fx.Provide(Provide),
)
