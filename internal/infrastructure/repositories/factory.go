package repositories

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/repositories/memory"
	redisrepo "peerlink/internal/infrastructure/repositories/redis"
	"peerlink/pkg/config"
)

// Factory builds the presence repository, preferring redis when configured
// and falling back to memory when it is unreachable.
type Factory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) (*Factory, error) {
	factory := &Factory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to redis, falling back to memory presence",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using redis presence repository")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory presence repository")
	}

	return factory, nil
}

// CreatePresenceRepository returns the roster store. The redis variant is
// batched so heartbeat writes from a busy room coalesce into pipelines.
func (f *Factory) CreatePresenceRepository() ports.PresenceRepository {
	if f.useRedis && f.redisClient != nil {
		base := redisrepo.NewPresenceRepository(f.redisClient)
		return redisrepo.NewBatchedPresenceRepository(base, 50, 100*time.Millisecond)
	}
	return memory.NewPresenceRepository()
}

// RedisClient exposes the underlying client for health checks, or nil when
// running on memory.
func (f *Factory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes the redis connection if one was opened.
func (f *Factory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings redis when in use.
func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
