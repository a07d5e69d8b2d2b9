package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/podushkina/taskdispatch/internal/config"
	"github.com/podushkina/taskdispatch/internal/docstore"
	"github.com/podushkina/taskdispatch/internal/provider"
	"github.com/podushkina/taskdispatch/internal/store"
	"github.com/redis/go-redis/v9"
)

// openStore opens the configured record store behind an in-memory failover,
// so a broker outage degrades to process-local records instead of failing
// submissions.
func openStore(cfg *config.Config, client *redis.Client, logger *slog.Logger) (store.Store, error) {
	var primary store.Store
	switch cfg.StoreEnv.Backend {
	case "redis":
		if client == nil {
			logger.Warn("redis store requested without a broker, keeping records in memory")
			return store.NewMemoryStore(), nil
		}
		primary = store.NewRedisStore(client, cfg.TaskRetention)
	case "bolt":
		s, err := store.NewBoltStore(cfg.StoreEnv.Path)
		if err != nil {
			return nil, err
		}
		primary = s
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.StoreEnv.Path)
		if err != nil {
			return nil, err
		}
		primary = s
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreEnv.Backend)
	}

	logger.Info("task store opened", slog.String("backend", cfg.StoreEnv.Backend))
	return store.NewFailover(primary, store.NewMemoryStore(), logger), nil
}

func openDocuments(ctx context.Context, cfg *config.Config) (*docstore.Documents, error) {
	switch cfg.StorageEnv.Type {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
		s, err := docstore.NewS3Storage(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
		if err != nil {
			return nil, err
		}
		return docstore.NewDocuments(s), nil
	case "local", "":
		s, err := docstore.NewLocalStorage(cfg.StorageEnv.BaseDir)
		if err != nil {
			return nil, err
		}
		return docstore.NewDocuments(s), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageEnv.Type)
	}
}

// newProviders registers every provider that has credentials. Tasks that
// call a missing provider fail with an unknown provider error.
func newProviders(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	reg := provider.NewRegistry(cfg.ProviderTimeout)
	httpClient := &http.Client{}

	if cfg.OpenAIKey != "" {
		reg.Register("content", provider.NewContentAdapter(provider.ContentConfig{
			APIKey:  cfg.OpenAIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			HTTP:    httpClient,
		}))
	}

	social := []struct{ platform, endpoint, token string }{
		{"twitter", cfg.TwitterEndpoint, cfg.TwitterToken},
		{"facebook", cfg.FacebookEndpoint, cfg.FacebookToken},
		{"instagram", cfg.InstagramEndpoint, cfg.InstagramToken},
		{"pinterest", cfg.PinterestEndpoint, cfg.PinterestToken},
	}
	for _, s := range social {
		if s.endpoint == "" || s.token == "" {
			continue
		}
		reg.Register(s.platform, provider.NewSocialAdapter(provider.SocialConfig{
			Platform: s.platform,
			Endpoint: s.endpoint,
			Token:    s.token,
			HTTP:     httpClient,
		}))
	}

	if cfg.AnalyticsEndpoint != "" {
		reg.Register("analytics", provider.NewAnalyticsAdapter(provider.AnalyticsConfig{
			Endpoint: cfg.AnalyticsEndpoint,
			Token:    cfg.AnalyticsToken,
			HTTP:     httpClient,
		}))
	}

	if !reg.Has("content") {
		logger.Warn("OPENAI_API_KEY not set, content generation tasks will fail")
	}
	logger.Info("providers registered", slog.Any("providers", reg.Names()))
	return reg
}
