package appconfig

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix is prepended to configuration names to form hash keys.
	KeyPrefix string
}

// RedisStore reads application configurations from Redis. Each
// configuration is a hash whose fields are the property names.
type RedisStore struct {
	redisClient *redis.Client
	keyPrefix   string
	logger      zerolog.Logger
}

// NewRedisStore connects to Redis and pings it before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisStore{
		redisClient: rdb,
		keyPrefix:   cfg.KeyPrefix,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

// Fetch reads the hash for name. A missing or empty hash is ErrNotFound.
func (s *RedisStore) Fetch(ctx context.Context, name string) (Properties, error) {
	key := s.keyPrefix + name
	fields, err := s.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to read configuration from Redis.")
		return nil, fmt.Errorf("redis hgetall for %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("configuration '%s': %w", name, ErrNotFound)
	}
	s.logger.Debug().Str("key", key).Int("properties", len(fields)).Msg("Fetched configuration from Redis.")
	return Properties(fields), nil
}

// Put replaces the hash for name with the given properties.
func (s *RedisStore) Put(ctx context.Context, name string, props Properties) error {
	key := s.keyPrefix + name
	values := make(map[string]any, len(props))
	for k, v := range props {
		values[k] = v
	}
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to write configuration to Redis.")
		return fmt.Errorf("redis hset for %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
