package lock

import (
	"github.com/coldtrace/coldtrace/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// New picks the Redis locker when Redis is configured, otherwise the
// in-process fallback.
func New(cfg config.Config, log *zap.Logger) Locker {
	if cfg.RedisAddr == "" {
		log.Named("lock").Info("redis not configured, using in-process locks")
		return NewMemoryLocker()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return NewRedisLocker(client)
}

var Module = fx.Module("lock",
	fx.Provide(New),
)
