package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agrosync/internal/config"
	"agrosync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps the serialized queue under a single key, overwritten on
// every save. Useful when several short-lived agent processes share one
// durable medium.
type RedisStore struct {
	client *redis.Client
	key    string
	logger *zerolog.Logger
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStore(client *redis.Client, key string, logger *zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, key: key, logger: logger}
}

func (s *RedisStore) Load(ctx context.Context) []models.SyncOperation {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", s.key).Msg("queue load failed, starting with an empty queue")
		return nil
	}

	var ops []models.SyncOperation
	if err := json.Unmarshal([]byte(val), &ops); err != nil {
		s.logger.Warn().Err(err).Str("key", s.key).Msg("queue content not parseable, starting with an empty queue")
		return nil
	}
	return ops
}

func (s *RedisStore) Save(ctx context.Context, ops []models.SyncOperation) error {
	if ops == nil {
		ops = []models.SyncOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return nil
}
