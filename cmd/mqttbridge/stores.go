package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/appconfig"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// newAppConfigStore opens the configured backend and wraps it in an LRU
// cache. The returned cleanup closes the store and any client it owns.
func newAppConfigStore(ctx context.Context, cfg *Config, seed map[string]map[string]string, logger zerolog.Logger) (appconfig.Store, func(), error) {
	var backend appconfig.Store
	cleanup := func() {}
	switch cfg.AppConfigBackend {
	case "redis":
		store, err := appconfig.NewRedisStore(ctx, &appconfig.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		backend = store
	case "firestore":
		var opts []option.ClientOption
		if cfg.Firestore.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Firestore.CredentialsFile))
		}
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := appconfig.NewFirestoreStore(&appconfig.FirestoreConfig{
			ProjectID:      cfg.Firestore.ProjectID,
			CollectionName: cfg.Firestore.Collection,
		}, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		backend = store
		cleanup = func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close firestore client.")
			}
		}
	default:
		store := appconfig.NewInMemoryStore()
		for name, props := range seed {
			if err := store.Put(ctx, name, props); err != nil {
				return nil, nil, err
			}
		}
		backend = store
	}

	if len(seed) > 0 && cfg.AppConfigBackend != "memory" {
		logger.Warn().Str("backend", cfg.AppConfigBackend).Msg("Ignoring app_configs from connector file; they only seed the memory backend.")
	}

	cached, err := appconfig.NewCachingStore(cfg.AppConfigCacheSize, backend)
	if err != nil {
		_ = backend.Close()
		cleanup()
		return nil, nil, err
	}
	return cached, func() {
		if err := cached.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close app config store.")
		}
		cleanup()
	}, nil
}
