package database

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/creditcore/internal/config"
	"github.com/sirupsen/logrus"
)

// InitRedis returns nil when no host is configured or the server does not
// answer, and the caller falls back to in-process implementations.
func InitRedis(cfg config.RedisConfig, log *logrus.Logger) *redis.Client {
	if cfg.Host == "" {
		log.Info("Redis not configured, using in-process change feed and cache")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis connection failed, continuing without Redis")
		rdb.Close()
		return nil
	}

	log.WithField("addr", cfg.Addr()).Info("Redis connection established")
	return rdb
}
